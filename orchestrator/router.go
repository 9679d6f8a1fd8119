package orchestrator

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/governor"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🗺️ 运行时路由
// =============================================================================

// Route 某个 provider 承载一种能力的具体运行时端点
type Route struct {
	// Endpoint 运行时端点地址
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// ConfigHash 该逻辑路由配置的指纹，漂移检查与之比对
	ConfigHash string `yaml:"config_hash" json:"config_hash"`
}

// CapabilityRoutes 一种能力的 provider 路由集
type CapabilityRoutes struct {
	// Primary 首选 provider
	Primary string `yaml:"primary" json:"primary"`

	// Method 该能力出站调用的方法名（构成治理 scope）
	Method string `yaml:"method" json:"method"`

	// Providers provider 标识到路由的映射，须覆盖降级链上的候选者
	Providers map[string]Route `yaml:"providers" json:"providers"`

	// RequireGPU 该能力要求 GPU 节点
	RequireGPU bool `yaml:"require_gpu" json:"require_gpu"`
}

// RouteTable 能力标签到路由集的映射
type RouteTable map[string]CapabilityRoutes

// Validate 检查路由表完整性
func (t RouteTable) Validate() error {
	for capability, cr := range t {
		if cr.Primary == "" {
			return fmt.Errorf("capability %q has no primary provider", capability)
		}
		if cr.Method == "" {
			return fmt.Errorf("capability %q has no method", capability)
		}
		if _, ok := cr.Providers[cr.Primary]; !ok {
			return fmt.Errorf("capability %q primary %q has no route", capability, cr.Primary)
		}
	}
	return nil
}

// Resolver 在治理引擎的约束下为任务解析运行时路由。
// 路由表可经 ReplaceTable 热替换，读写由内部锁保护。
type Resolver struct {
	mu       sync.RWMutex
	table    RouteTable
	governor *governor.Governor
	logger   *zap.Logger
}

// NewResolver 创建路由解析器
func NewResolver(table RouteTable, gov *governor.Governor, logger *zap.Logger) (*Resolver, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{
		table:    table,
		governor: gov,
		logger:   logger.With(zap.String("component", "resolver")),
	}, nil
}

// Routes 返回能力的路由集
func (r *Resolver) Routes(capability string) (CapabilityRoutes, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cr, ok := r.table[capability]
	return cr, ok
}

// ReplaceTable 热替换路由表。新表校验失败时保留旧表。
// 在途任务记录的 config_hash 与新表不一致时，下一次尝试
// 会命中漂移检查并以 routing_mismatch 终止。
func (r *Resolver) ReplaceTable(table RouteTable) error {
	if err := table.Validate(); err != nil {
		return fmt.Errorf("replace route table: %w", err)
	}
	r.mu.Lock()
	r.table = table
	r.mu.Unlock()
	r.logger.Info("route table replaced", zap.Int("capabilities", len(table)))
	return nil
}

// Resolve 为能力解析一个被治理引擎放行的 provider 路由。
// 首选 provider 被拒且拒因可触发降级时走降级链；
// 不可降级的拒绝原样返回给调用方。
func (r *Resolver) Resolve(capability string) (*types.ResolvedRoute, types.ErrorCode) {
	r.mu.RLock()
	cr, ok := r.table[capability]
	r.mu.RUnlock()
	if !ok {
		return nil, types.ErrUnsupportedCapability
	}

	provider := cr.Primary
	scope := types.ScopeOf(provider, cr.Method)

	// 主 provider 被运维标记降级或离线时直接尝试切换
	switch r.governor.StatusOf(provider) {
	case governor.StatusDegraded:
		if fallback, reason := r.resolveFallback(scope, governor.TriggerDegraded, cr); fallback != nil || reason != "" {
			return fallback, reason
		}
	case governor.StatusOffline:
		if fallback, reason := r.resolveFallback(scope, governor.TriggerOffline, cr); fallback != nil || reason != "" {
			return fallback, reason
		}
		return nil, types.ErrNoProviderAvailable
	}

	decision := r.governor.CheckOutbound(scope)
	if decision.Allowed {
		return r.routeFor(provider, cr), ""
	}

	trigger := triggerFor(decision.Reason)
	if trigger == "" {
		// 限流、熔断等拒因不触发降级，原样上报
		return nil, decision.Reason
	}

	if fallback, reason := r.resolveFallback(scope, trigger, cr); fallback != nil || reason != "" {
		return fallback, reason
	}
	return nil, decision.Reason
}

// resolveFallback 走降级链。返回 (nil, "") 表示策略未启用该触发器。
func (r *Resolver) resolveFallback(scope types.ProviderScope, trigger governor.FallbackTrigger, cr CapabilityRoutes) (*types.ResolvedRoute, types.ErrorCode) {
	candidate, reason := r.governor.ResolveFallback(scope, trigger)
	if candidate == "" {
		// reason 为空表示开关未启用；否则链上无可用项
		return nil, reason
	}
	if _, ok := cr.Providers[candidate]; !ok {
		r.logger.Warn("fallback provider has no route for capability",
			zap.String("provider", candidate),
			zap.String("method", scope.Method))
		return nil, types.ErrNoProviderAvailable
	}
	r.logger.Info("provider fallback engaged",
		zap.String("from", scope.Provider),
		zap.String("to", candidate),
		zap.String("reason", string(reason)))
	return r.routeFor(candidate, cr), reason
}

func (r *Resolver) routeFor(provider string, cr CapabilityRoutes) *types.ResolvedRoute {
	route := cr.Providers[provider]
	return &types.ResolvedRoute{
		Provider:   provider,
		Endpoint:   route.Endpoint,
		ConfigHash: route.ConfigHash,
	}
}

// triggerFor 把治理拒因映射到降级触发器；
// 无映射的拒因（限流、熔断）不走降级链。
func triggerFor(reason types.ErrorCode) governor.FallbackTrigger {
	switch reason {
	case types.ErrProviderBudgetExceeded, types.ErrBudgetHardLimitExceeded:
		return governor.TriggerBudget
	default:
		return ""
	}
}
