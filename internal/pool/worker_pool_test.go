package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolSubmitWait(t *testing.T) {
	p := New(Config{MaxWorkers: 4, QueueSize: 16, IdleTimeout: time.Second})
	defer p.Close()

	var ran atomic.Bool
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestWorkerPoolPropagatesJobError(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueSize: 4, IdleTimeout: time.Second})
	defer p.Close()

	boom := errors.New("boom")
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	var caught atomic.Bool
	p := New(Config{
		MaxWorkers:   2,
		QueueSize:    4,
		IdleTimeout:  time.Second,
		PanicHandler: func(any) { caught.Store(true) },
	})
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		panic("job exploded")
	})
	require.Error(t, err)
	assert.True(t, caught.Load())
}

func TestWorkerPoolConcurrencyBound(t *testing.T) {
	p := New(Config{MaxWorkers: 3, QueueSize: 64, IdleTimeout: time.Second})
	defer p.Close()

	var peak atomic.Int32
	var current atomic.Int32
	done := make(chan struct{}, 16)

	for i := 0; i < 16; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			done <- struct{}{}
			return nil
		}))
	}

	for i := 0; i < 16; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("jobs did not finish")
		}
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestWorkerPoolClosed(t *testing.T) {
	p := New(DefaultConfig())
	p.Close()

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil }), ErrPoolClosed)
}
