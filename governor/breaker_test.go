package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

func newTestBreakers(t *testing.T, cfg BreakerConfig) (*BreakerSet, *fakeClock) {
	t.Helper()
	limits := DefaultLimits()
	limits.Breaker = cfg

	clock := newFakeClock()
	set := NewBreakerSet(newTestPolicy(t, limits), zap.NewNop())
	set.now = clock.Now
	return set, clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	set, _ := newTestBreakers(t, BreakerConfig{Threshold: 5, Cooldown: time.Minute})
	scope := types.ScopeOf("ollama", "POST")

	// 连续 4 次失败仍关闭
	for i := 0; i < 4; i++ {
		require.Equal(t, types.ErrorCode(""), set.Allow(scope))
		set.Record(scope, false)
	}
	assert.Equal(t, BreakerClosed, set.StateOf(scope))

	// 第 5 次失败触发熔断
	require.Equal(t, types.ErrorCode(""), set.Allow(scope))
	set.Record(scope, false)
	assert.Equal(t, BreakerOpen, set.StateOf(scope))
	assert.Equal(t, types.ErrCircuitOpen, set.Allow(scope))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	set, _ := newTestBreakers(t, BreakerConfig{Threshold: 3, Cooldown: time.Minute})
	scope := types.ScopeOf("vllm", "POST")

	set.Record(scope, false)
	set.Record(scope, false)
	set.Record(scope, true) // 成功清零
	set.Record(scope, false)
	set.Record(scope, false)

	assert.Equal(t, BreakerClosed, set.StateOf(scope))
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	set, clock := newTestBreakers(t, BreakerConfig{Threshold: 5, Cooldown: time.Minute})
	scope := types.ScopeOf("ollama", "POST")

	for i := 0; i < 5; i++ {
		set.Record(scope, false)
	}
	require.Equal(t, types.ErrCircuitOpen, set.Allow(scope))

	// 冷却期满后仅放行一个探测
	clock.Advance(time.Minute + time.Second)
	assert.Equal(t, types.ErrorCode(""), set.Allow(scope))
	assert.Equal(t, BreakerHalfOpen, set.StateOf(scope))
	assert.Equal(t, types.ErrCircuitOpen, set.Allow(scope), "second probe must be denied")

	// 探测成功 → 完全恢复
	set.Record(scope, true)
	assert.Equal(t, BreakerClosed, set.StateOf(scope))
	assert.Equal(t, types.ErrorCode(""), set.Allow(scope))
}

func TestBreakerProbeFailureDoublesCooldown(t *testing.T) {
	set, clock := newTestBreakers(t, BreakerConfig{
		Threshold:   2,
		Cooldown:    time.Minute,
		MaxCooldown: 3 * time.Minute,
	})
	scope := types.ScopeOf("openai", "POST")

	set.Record(scope, false)
	set.Record(scope, false)
	require.Equal(t, BreakerOpen, set.StateOf(scope))

	// 第一次探测失败：冷却翻倍为 2 分钟
	clock.Advance(time.Minute + time.Second)
	require.Equal(t, types.ErrorCode(""), set.Allow(scope))
	set.Record(scope, false)
	require.Equal(t, BreakerOpen, set.StateOf(scope))

	// 原冷却 1 分钟已不够
	clock.Advance(time.Minute + time.Second)
	assert.Equal(t, types.ErrCircuitOpen, set.Allow(scope))

	// 2 分钟冷却期满后可再探测
	clock.Advance(time.Minute)
	require.Equal(t, types.ErrorCode(""), set.Allow(scope))

	// 再失败：2m -> 4m，封顶 3m
	set.Record(scope, false)
	clock.Advance(3*time.Minute + time.Second)
	assert.Equal(t, types.ErrorCode(""), set.Allow(scope))
}

func TestBreakerProviderOpen(t *testing.T) {
	set, clock := newTestBreakers(t, BreakerConfig{Threshold: 1, Cooldown: time.Minute})
	scope := types.ScopeOf("ollama", "POST")

	assert.False(t, set.ProviderOpen("ollama", "POST"))

	set.Record(scope, false)
	assert.True(t, set.ProviderOpen("ollama", "POST"))
	assert.False(t, set.ProviderOpen("ollama", "GET"), "different method is a different scope")

	// 冷却期满后不再算熔断中
	clock.Advance(2 * time.Minute)
	assert.False(t, set.ProviderOpen("ollama", "POST"))
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
}
