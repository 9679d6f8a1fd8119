package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Broadcaster delivers envelopes to all currently-subscribed nodes.
// Delivery is fire-and-forget best-effort: a node that restarts loses
// anything sent while it was away. OTA updates compensate with explicit
// acknowledgements on top of this channel.
type Broadcaster interface {
	// Publish sends an envelope to all current subscribers.
	Publish(ctx context.Context, env *Envelope) error

	// Subscribe returns a channel of envelopes and a cancel function.
	// The channel is closed on cancel or broadcaster shutdown.
	Subscribe(ctx context.Context) (<-chan *Envelope, func(), error)

	// Close shuts the broadcaster down and closes all subscriptions.
	Close() error
}

// MemoryBroadcaster is an in-process Broadcaster for single-node
// deployments and tests.
type MemoryBroadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan *Envelope
	nextID int
	closed bool
	logger *zap.Logger
}

// NewMemoryBroadcaster creates an in-process broadcaster.
func NewMemoryBroadcaster(logger *zap.Logger) *MemoryBroadcaster {
	return &MemoryBroadcaster{
		subs:   make(map[int]chan *Envelope),
		logger: logger.With(zap.String("component", "broadcast")),
	}
}

// Publish implements Broadcaster.Publish. Slow subscribers are skipped
// rather than blocking the publisher.
func (b *MemoryBroadcaster) Publish(ctx context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.logger.Warn("subscriber lagging, message dropped",
				zap.Int("subscriber", id),
				zap.String("message_id", env.ID))
		}
	}
	return nil
}

// Subscribe implements Broadcaster.Subscribe.
func (b *MemoryBroadcaster) Subscribe(ctx context.Context) (<-chan *Envelope, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *Envelope, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

// Close implements Broadcaster.Close.
func (b *MemoryBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
