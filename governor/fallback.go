package governor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🔀 降级链
// =============================================================================

// FallbackTrigger 触发降级的原因类别
type FallbackTrigger string

const (
	// TriggerTimeout 调用超时
	TriggerTimeout FallbackTrigger = "timeout"
	// TriggerAuthError 认证失败
	TriggerAuthError FallbackTrigger = "auth_error"
	// TriggerBudget 预算超限
	TriggerBudget FallbackTrigger = "budget"
	// TriggerDegraded provider 被标记降级
	TriggerDegraded FallbackTrigger = "degraded"
	// TriggerOffline provider 离线
	TriggerOffline FallbackTrigger = "offline"
)

// reason 返回该触发类别对应的降级 reason code
func (t FallbackTrigger) reason() types.ErrorCode {
	switch t {
	case TriggerTimeout:
		return types.FallbackTimeout
	case TriggerAuthError:
		return types.FallbackAuthError
	case TriggerBudget:
		return types.FallbackBudgetExceeded
	case TriggerDegraded:
		return types.FallbackDegraded
	case TriggerOffline:
		return types.FallbackOffline
	default:
		return types.ErrNoProviderAvailable
	}
}

// AuditEntry 一次降级决策的审计记录。
// 只记录 provider 标识与 reason code，绝不记录凭据。
type AuditEntry struct {
	Timestamp    time.Time       `json:"timestamp"`
	FromProvider string          `json:"from_provider"`
	ToProvider   string          `json:"to_provider"`
	Reason       types.ErrorCode `json:"reason"`
}

// auditLog 有界环形审计日志，保留最近 N 条
type auditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	full    bool
}

func newAuditLog(capacity int) *auditLog {
	if capacity <= 0 {
		capacity = 128
	}
	return &auditLog{entries: make([]AuditEntry, capacity)}
}

func (l *auditLog) append(e AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// list 按时间顺序返回全部记录（旧到新）
func (l *auditLog) list() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]AuditEntry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]AuditEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// FallbackResolver 按配置顺序遍历降级链
type FallbackResolver struct {
	policy *PolicyStore
	audit  *auditLog
	logger *zap.Logger
	now    func() time.Time
}

// NewFallbackResolver 创建降级解析器
func NewFallbackResolver(policy *PolicyStore, auditSize int, logger *zap.Logger) *FallbackResolver {
	return &FallbackResolver{
		policy: policy,
		audit:  newAuditLog(auditSize),
		logger: logger.With(zap.String("component", "fallback")),
		now:    time.Now,
	}
}

// enabled 判断触发类别对应的策略开关是否打开。
// 离线的主 provider 无条件允许切换 —— 对着死掉的 provider 拒绝降级没有意义。
func (r *FallbackResolver) enabled(trigger FallbackTrigger) bool {
	cfg := r.policy.Fallback()
	switch trigger {
	case TriggerTimeout:
		return cfg.OnTimeout
	case TriggerAuthError:
		return cfg.OnAuthError
	case TriggerBudget:
		return cfg.OnBudgetExceeded
	case TriggerDegraded:
		return cfg.OnDegraded
	case TriggerOffline:
		return true
	default:
		return false
	}
}

// Resolve 从降级链中选出首个可用的 provider。
// usable 回调由调用方注入（跳过熔断中/离线的 provider）；from 为出问题的
// 主 provider，遍历时一并跳过。开关未启用时返回空 reason，表示不降级、
// 由调用方原样上报拒绝原因；链上无可用项时返回 no_provider_available。
func (r *FallbackResolver) Resolve(from string, trigger FallbackTrigger, usable func(provider string) bool) (string, types.ErrorCode) {
	if !r.enabled(trigger) {
		return "", ""
	}

	for _, candidate := range r.policy.Fallback().Chain {
		if candidate == from {
			continue
		}
		if usable != nil && !usable(candidate) {
			continue
		}

		reason := trigger.reason()
		r.audit.append(AuditEntry{
			Timestamp:    r.now(),
			FromProvider: from,
			ToProvider:   candidate,
			Reason:       reason,
		})
		r.logger.Info("fallback resolved",
			zap.String("from", from),
			zap.String("to", candidate),
			zap.String("reason", string(reason)),
		)
		return candidate, reason
	}

	return "", types.ErrNoProviderAvailable
}

// Audit 返回审计日志（旧到新）
func (r *FallbackResolver) Audit() []AuditEntry {
	return r.audit.list()
}
