package governor

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// 📦 策略存储
// =============================================================================

// RateLimitConfig 单个作用域的令牌桶配置
type RateLimitConfig struct {
	// Capacity 请求桶容量
	Capacity float64 `yaml:"capacity" json:"capacity"`

	// RefillRate 每秒补充的请求令牌数
	RefillRate float64 `yaml:"refill_rate" json:"refill_rate"`

	// TokenCapacity Token 桶容量（0 表示不限制 Token 速率）
	TokenCapacity float64 `yaml:"token_capacity" json:"token_capacity"`

	// TokenRefillRate 每秒补充的 Token 数
	TokenRefillRate float64 `yaml:"token_refill_rate" json:"token_refill_rate"`
}

// BudgetConfig 预算配置（provider 级或全局）
type BudgetConfig struct {
	// SoftLimit 软限额：超过仅告警，不拒绝
	SoftLimit float64 `yaml:"soft_limit" json:"soft_limit"`

	// HardLimit 硬限额：超过即拒绝
	HardLimit float64 `yaml:"hard_limit" json:"hard_limit"`

	// Window 滚动窗口长度
	Window time.Duration `yaml:"window" json:"window"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// Threshold 连续失败次数阈值
	Threshold int `yaml:"threshold" json:"threshold"`

	// Cooldown 熔断冷却窗口（Open -> HalfOpen）
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// MaxCooldown 冷却窗口翻倍的上限
	MaxCooldown time.Duration `yaml:"max_cooldown" json:"max_cooldown"`
}

// FallbackConfig 降级链配置
type FallbackConfig struct {
	// Chain 按优先级排序的 provider 列表
	Chain []string `yaml:"chain" json:"chain"`

	// OnTimeout 超时是否触发降级
	OnTimeout bool `yaml:"on_timeout" json:"on_timeout"`

	// OnAuthError 认证失败是否触发降级
	OnAuthError bool `yaml:"on_auth_error" json:"on_auth_error"`

	// OnBudgetExceeded 预算超限是否触发降级
	OnBudgetExceeded bool `yaml:"on_budget_exceeded" json:"on_budget_exceeded"`

	// OnDegraded provider 降级状态是否触发降级
	OnDegraded bool `yaml:"on_degraded" json:"on_degraded"`

	// TimeoutThreshold 判定超时的阈值
	TimeoutThreshold time.Duration `yaml:"timeout_threshold" json:"timeout_threshold"`
}

// Limits 完整的治理限额配置
type Limits struct {
	// DefaultRateLimit 未单独配置的作用域使用的限流配置
	DefaultRateLimit RateLimitConfig `yaml:"default_rate_limit" json:"default_rate_limit"`

	// RateLimits 按作用域键（"provider:METHOD"）覆盖
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits" json:"rate_limits"`

	// GlobalBudget 全局预算
	GlobalBudget BudgetConfig `yaml:"global_budget" json:"global_budget"`

	// ProviderBudgets 按 provider 覆盖
	ProviderBudgets map[string]BudgetConfig `yaml:"provider_budgets" json:"provider_budgets"`

	// Breaker 熔断配置（全部作用域共用）
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`

	// Fallback 降级链
	Fallback FallbackConfig `yaml:"fallback" json:"fallback"`
}

// DefaultLimits 返回默认限额
func DefaultLimits() Limits {
	return Limits{
		DefaultRateLimit: RateLimitConfig{
			Capacity:        60,
			RefillRate:      1,
			TokenCapacity:   100000,
			TokenRefillRate: 2000,
		},
		GlobalBudget: BudgetConfig{
			SoftLimit: 100.0,
			HardLimit: 500.0,
			Window:    24 * time.Hour,
		},
		Breaker: BreakerConfig{
			Threshold:   5,
			Cooldown:    60 * time.Second,
			MaxCooldown: 10 * time.Minute,
		},
		Fallback: FallbackConfig{
			TimeoutThreshold: 30 * time.Second,
		},
	}
}

// Validate 校验限额配置
func (l *Limits) Validate() error {
	if l.DefaultRateLimit.Capacity <= 0 {
		return fmt.Errorf("default_rate_limit.capacity must be positive, got %v", l.DefaultRateLimit.Capacity)
	}
	if l.DefaultRateLimit.RefillRate <= 0 {
		return fmt.Errorf("default_rate_limit.refill_rate must be positive, got %v", l.DefaultRateLimit.RefillRate)
	}
	for key, rl := range l.RateLimits {
		if rl.Capacity <= 0 || rl.RefillRate <= 0 {
			return fmt.Errorf("rate_limits[%s]: capacity and refill_rate must be positive", key)
		}
	}
	if err := validateBudget("global_budget", l.GlobalBudget); err != nil {
		return err
	}
	for provider, b := range l.ProviderBudgets {
		if err := validateBudget("provider_budgets["+provider+"]", b); err != nil {
			return err
		}
	}
	if l.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be positive, got %d", l.Breaker.Threshold)
	}
	if l.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be positive, got %v", l.Breaker.Cooldown)
	}
	if l.Breaker.MaxCooldown > 0 && l.Breaker.MaxCooldown < l.Breaker.Cooldown {
		return fmt.Errorf("breaker.max_cooldown %v must not be below cooldown %v", l.Breaker.MaxCooldown, l.Breaker.Cooldown)
	}
	seen := make(map[string]bool, len(l.Fallback.Chain))
	for _, p := range l.Fallback.Chain {
		if p == "" {
			return fmt.Errorf("fallback.chain contains an empty provider")
		}
		if seen[p] {
			return fmt.Errorf("fallback.chain contains duplicate provider %q", p)
		}
		seen[p] = true
	}
	return nil
}

func validateBudget(field string, b BudgetConfig) error {
	if b.HardLimit < 0 || b.SoftLimit < 0 {
		return fmt.Errorf("%s: limits must not be negative", field)
	}
	if b.HardLimit > 0 && b.SoftLimit > b.HardLimit {
		return fmt.Errorf("%s: soft_limit %v exceeds hard_limit %v", field, b.SoftLimit, b.HardLimit)
	}
	if b.Window < 0 {
		return fmt.Errorf("%s: window must not be negative", field)
	}
	return nil
}

// PolicyStore 限额配置的并发安全存储，支持热更新
type PolicyStore struct {
	mu     sync.RWMutex
	limits Limits
}

// NewPolicyStore 创建策略存储
func NewPolicyStore(limits Limits) (*PolicyStore, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid limits: %w", err)
	}
	return &PolicyStore{limits: limits}, nil
}

// Limits 返回当前限额快照
func (s *PolicyStore) Limits() Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

// SetLimits 校验并原子替换限额（热更新路径）
func (s *PolicyStore) SetLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("invalid limits: %w", err)
	}
	s.mu.Lock()
	s.limits = limits
	s.mu.Unlock()
	return nil
}

// RateLimitFor 返回作用域的限流配置，未覆盖时回落到默认值
func (s *PolicyStore) RateLimitFor(scopeKey string) RateLimitConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rl, ok := s.limits.RateLimits[scopeKey]; ok {
		return rl
	}
	return s.limits.DefaultRateLimit
}

// BudgetFor 返回 provider 的预算配置与是否有显式配置
func (s *PolicyStore) BudgetFor(provider string) (BudgetConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.limits.ProviderBudgets[provider]
	return b, ok
}

// GlobalBudget 返回全局预算配置
func (s *PolicyStore) GlobalBudget() BudgetConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits.GlobalBudget
}

// BreakerConfig 返回熔断配置
func (s *PolicyStore) BreakerConfig() BreakerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits.Breaker
}

// Fallback 返回降级链配置
func (s *PolicyStore) Fallback() FallbackConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits.Fallback
}
