package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroadcaster 基于 Redis Pub/Sub 的集群广播实现。
// 每个节点订阅同一频道，协调器发布的信封经 JSON 编码后投递。
// Pub/Sub 不保留历史消息，重启的节点收不到离线期间的广播。
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	stops  []func()
}

// NewRedisBroadcaster 创建 Redis 广播器，channel 为发布频道名
// (通常为 "<prefix>broadcast")。
func NewRedisBroadcaster(client *redis.Client, channel string, logger *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:  client,
		channel: channel,
		logger:  logger.With(zap.String("component", "redis_broadcast")),
	}
}

// Publish 实现 Broadcaster.Publish。
func (b *RedisBroadcaster) Publish(ctx context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe 实现 Broadcaster.Subscribe。内部启动一个泵协程把
// Pub/Sub 消息解码后转发到返回的 channel。
func (b *RedisBroadcaster) Subscribe(ctx context.Context) (<-chan *Envelope, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel)
	// 确认订阅建立，避免发布方抢先。
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan *Envelope, 64)
	pumpCtx, cancelPump := context.WithCancel(context.Background())

	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Warn("丢弃无法解码的广播消息", zap.Error(err))
					continue
				}
				select {
				case out <- &env:
				case <-pumpCtx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelPump()
			_ = sub.Close()
		})
	}

	b.mu.Lock()
	b.stops = append(b.stops, cancel)
	b.mu.Unlock()

	return out, cancel, nil
}

// Close 实现 Broadcaster.Close。
func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	stops := b.stops
	b.stops = nil
	b.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return nil
}
