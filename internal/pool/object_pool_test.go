package pool

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectPool_GetPutReset(t *testing.T) {
	p := NewObjectPool(
		func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 64)) },
		func(b **bytes.Buffer) { (*b).Reset() },
	)

	buf := p.Get()
	buf.WriteString("payload")
	p.Put(buf)

	// 归还时 reset 已清空缓冲
	again := p.Get()
	assert.Zero(t, again.Len())
	p.Put(again)

	stats := p.ObjectStats()
	assert.EqualValues(t, 2, stats.Gets)
	assert.EqualValues(t, 2, stats.Puts)
	assert.EqualValues(t, 2, stats.Resets)
}

func TestObjectPoolStats_HitRate(t *testing.T) {
	assert.Zero(t, ObjectPoolStats{}.HitRate())
	assert.InDelta(t, 0.75, ObjectPoolStats{Gets: 4, News: 1}.HitRate(), 1e-9)
}

func TestByteBufferPool_Shared(t *testing.T) {
	buf := ByteBufferPool.Get()
	buf.WriteString("x")
	ByteBufferPool.Put(buf)

	next := ByteBufferPool.Get()
	defer ByteBufferPool.Put(next)
	assert.Zero(t, next.Len())
}
