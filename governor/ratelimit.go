package governor

import (
	"sync"
	"time"

	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🪣 令牌桶限流器
// =============================================================================

// bucket 连续补充的令牌桶
type bucket struct {
	capacity   float64
	refillRate float64 // 每秒补充数
	tokens     float64
	lastRefill time.Time
}

func newBucket(capacity, refillRate float64, now time.Time) *bucket {
	return &bucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity, // 初始满桶
		lastRefill: now,
	}
}

// refill 按流逝时间连续补充令牌
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// take 尝试取走 n 个令牌
func (b *bucket) take(n float64, now time.Time) bool {
	b.refill(now)
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// drain 扣除 n 个令牌，允许透支到 0
func (b *bucket) drain(n float64, now time.Time) {
	b.refill(now)
	b.tokens -= n
	if b.tokens < 0 {
		b.tokens = 0
	}
}

// scopeLimiter 单个作用域的限流状态：请求桶 + Token 桶
type scopeLimiter struct {
	requests *bucket
	tokens   *bucket // nil 表示不限制 Token 速率
}

// RateLimiter 按作用域的令牌桶限流器。
// 作用域状态懒创建，进程生命周期驻留。
type RateLimiter struct {
	mu     sync.Mutex
	policy *PolicyStore
	scopes map[string]*scopeLimiter
	now    func() time.Time
}

// NewRateLimiter 创建限流器
func NewRateLimiter(policy *PolicyStore) *RateLimiter {
	return &RateLimiter{
		policy: policy,
		scopes: make(map[string]*scopeLimiter),
		now:    time.Now,
	}
}

func (r *RateLimiter) limiterFor(scope types.ProviderScope, now time.Time) *scopeLimiter {
	key := scope.Key()
	if l, ok := r.scopes[key]; ok {
		return l
	}

	cfg := r.policy.RateLimitFor(key)
	l := &scopeLimiter{
		requests: newBucket(cfg.Capacity, cfg.RefillRate, now),
	}
	if cfg.TokenCapacity > 0 {
		l.tokens = newBucket(cfg.TokenCapacity, cfg.TokenRefillRate, now)
	}
	r.scopes[key] = l
	return l
}

// Allow 判定一次出站请求是否放行。
// 请求桶需要至少 1 个令牌；Token 桶只要求非空（实际消耗在响应上报时扣除，
// 因为请求发出前无法预知 Token 用量）。
func (r *RateLimiter) Allow(scope types.ProviderScope) types.ErrorCode {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	l := r.limiterFor(scope, now)

	if l.tokens != nil {
		l.tokens.refill(now)
		if l.tokens.tokens < 1 {
			return types.ErrRateLimitTokensExceeded
		}
	}

	if !l.requests.take(1, now) {
		return types.ErrRateLimitRequestsExceeded
	}

	return ""
}

// RecordTokens 在响应上报时扣除实际消耗的 Token
func (r *RateLimiter) RecordTokens(scope types.ProviderScope, tokens int) {
	if tokens <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	l := r.limiterFor(scope, now)
	if l.tokens != nil {
		l.tokens.drain(float64(tokens), now)
	}
}

// Reset 清空全部作用域状态（管理端 reset-usage 路径）
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = make(map[string]*scopeLimiter)
}

// Snapshot 返回各作用域的当前令牌数，供状态接口展示
func (r *RateLimiter) Snapshot() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make(map[string]float64, len(r.scopes))
	for key, l := range r.scopes {
		l.requests.refill(now)
		out[key] = l.requests.tokens
	}
	return out
}
