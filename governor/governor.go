package governor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🛡️ 治理引擎门面
// =============================================================================

// Decision 一次出站调用的放行判定
type Decision struct {
	// Allowed 是否放行
	Allowed bool `json:"allowed"`

	// Reason 拒绝时的稳定 reason code
	Reason types.ErrorCode `json:"reason,omitempty"`
}

// ProviderStatus provider 的运行状态（影响降级链遍历）
type ProviderStatus string

const (
	// StatusHealthy 正常
	StatusHealthy ProviderStatus = "healthy"
	// StatusDegraded 降级（仍可用，但触发降级开关时切走）
	StatusDegraded ProviderStatus = "degraded"
	// StatusOffline 离线（降级链遍历时跳过）
	StatusOffline ProviderStatus = "offline"
)

// Config Governor 配置
type Config struct {
	// AuditLogSize 降级审计日志容量
	AuditLogSize int `yaml:"audit_log_size" json:"audit_log_size"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{AuditLogSize: 128}
}

// Governor 出站调用治理引擎。
// 聚合策略存储、限流、预算、熔断与降级：CheckOutbound 在调用前判定，
// RecordResponse 在调用后上报 —— 两者是所有外部集成的硬性契约。
type Governor struct {
	policy   *PolicyStore
	limiter  *RateLimiter
	budget   *BudgetManager
	breakers *BreakerSet
	fallback *FallbackResolver
	logger   *zap.Logger

	mu       sync.RWMutex
	statuses map[string]ProviderStatus
}

// New 创建治理引擎
func New(policy *PolicyStore, cfg Config, logger *zap.Logger) *Governor {
	if cfg.AuditLogSize <= 0 {
		cfg.AuditLogSize = DefaultConfig().AuditLogSize
	}
	logger = logger.With(zap.String("component", "governor"))
	return &Governor{
		policy:   policy,
		limiter:  NewRateLimiter(policy),
		budget:   NewBudgetManager(policy, logger),
		breakers: NewBreakerSet(policy, logger),
		fallback: NewFallbackResolver(policy, cfg.AuditLogSize, logger),
		statuses: make(map[string]ProviderStatus),
		logger:   logger,
	}
}

// CheckOutbound 判定一次出站调用是否放行。
// 检查顺序：熔断 → 请求/Token 限流 → 预算硬限额。
func (g *Governor) CheckOutbound(scope types.ProviderScope) Decision {
	if reason := g.breakers.Allow(scope); reason != "" {
		return Decision{Reason: reason}
	}
	if reason := g.limiter.Allow(scope); reason != "" {
		return Decision{Reason: reason}
	}
	if reason := g.budget.Check(scope.Provider); reason != "" {
		return Decision{Reason: reason}
	}
	return Decision{Allowed: true}
}

// RecordResponse 上报一次出站调用的结果。
// 成本同时累加 provider 级与全局预算；Token 从限流桶扣除；
// 成功与否推动熔断状态机。
func (g *Governor) RecordResponse(scope types.ProviderScope, success bool, cost float64, tokens int) {
	g.budget.Record(scope.Provider, cost)
	g.limiter.RecordTokens(scope, tokens)
	g.breakers.Record(scope, success)
}

// ResolveFallback 按降级链为出问题的主 provider 选替代者。
// 返回空 provider 且空 reason 表示策略开关未启用，不降级；
// 空 provider 且 no_provider_available 表示链上无可用项。
func (g *Governor) ResolveFallback(scope types.ProviderScope, trigger FallbackTrigger) (string, types.ErrorCode) {
	return g.fallback.Resolve(scope.Provider, trigger, func(candidate string) bool {
		if g.breakers.ProviderOpen(candidate, scope.Method) {
			return false
		}
		return g.statusOf(candidate) != StatusOffline
	})
}

// SetProviderStatus 设置 provider 运行状态（健康检查或运维接口写入）
func (g *Governor) SetProviderStatus(provider string, status ProviderStatus) {
	g.mu.Lock()
	g.statuses[provider] = status
	g.mu.Unlock()
	g.logger.Info("provider status updated",
		zap.String("provider", provider),
		zap.String("status", string(status)))
}

// StatusOf 返回 provider 当前运行状态（未设置视为健康）
func (g *Governor) StatusOf(provider string) ProviderStatus {
	return g.statusOf(provider)
}

func (g *Governor) statusOf(provider string) ProviderStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if s, ok := g.statuses[provider]; ok {
		return s
	}
	return StatusHealthy
}

// ResetUsage 清空限流桶与预算计数器（管理端操作，熔断状态不动）
func (g *Governor) ResetUsage() {
	g.limiter.Reset()
	g.budget.Reset()
	g.logger.Info("usage counters reset")
}

// Policy 返回策略存储（限额查询与热更新入口）
func (g *Governor) Policy() *PolicyStore {
	return g.policy
}

// Audit 返回降级审计日志
func (g *Governor) Audit() []AuditEntry {
	return g.fallback.Audit()
}

// Status 治理状态快照，供只读状态接口使用
type Status struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Budgets     []BudgetCounter           `json:"budgets"`
	Breakers    []BreakerSnapshot         `json:"breakers"`
	RateTokens  map[string]float64        `json:"rate_tokens"`
	Providers   map[string]ProviderStatus `json:"providers"`
}

// Status 汇总当前治理状态
func (g *Governor) Status() Status {
	g.mu.RLock()
	statuses := make(map[string]ProviderStatus, len(g.statuses))
	for k, v := range g.statuses {
		statuses[k] = v
	}
	g.mu.RUnlock()

	return Status{
		GeneratedAt: time.Now(),
		Budgets:     g.budget.Snapshot(),
		Breakers:    g.breakers.Snapshot(),
		RateTokens:  g.limiter.Snapshot(),
		Providers:   statuses,
	}
}
