package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// ObjectPool is a generic object pool over sync.Pool with hit statistics.
type ObjectPool[T any] struct {
	pool    sync.Pool
	newFunc func() T
	reset   func(*T)

	// Metrics
	gets   atomic.Int64
	puts   atomic.Int64
	news   atomic.Int64
	resets atomic.Int64
}

// NewObjectPool creates a new object pool.
func NewObjectPool[T any](newFunc func() T, resetFunc func(*T)) *ObjectPool[T] {
	p := &ObjectPool[T]{
		newFunc: newFunc,
		reset:   resetFunc,
	}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

// Get retrieves an object from the pool.
func (p *ObjectPool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put returns an object to the pool.
func (p *ObjectPool[T]) Put(obj T) {
	p.puts.Add(1)
	if p.reset != nil {
		p.resets.Add(1)
		p.reset(&obj)
	}
	p.pool.Put(obj)
}

// ObjectStats returns pool statistics.
func (p *ObjectPool[T]) ObjectStats() ObjectPoolStats {
	return ObjectPoolStats{
		Gets:   p.gets.Load(),
		Puts:   p.puts.Load(),
		News:   p.news.Load(),
		Resets: p.resets.Load(),
	}
}

// ObjectPoolStats contains object pool statistics.
type ObjectPoolStats struct {
	Gets   int64 `json:"gets"`
	Puts   int64 `json:"puts"`
	News   int64 `json:"news"`
	Resets int64 `json:"resets"`
}

// HitRate returns the cache hit rate.
func (s ObjectPoolStats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.News) / float64(s.Gets)
}

// ByteBufferPool provides pooled byte buffers for response encoding.
var ByteBufferPool = NewObjectPool(
	func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
	func(b **bytes.Buffer) {
		(*b).Reset()
	},
)
