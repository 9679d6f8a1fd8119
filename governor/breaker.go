package governor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// ⚡ 熔断器
// =============================================================================

// BreakerState 熔断器状态
type BreakerState int

const (
	// BreakerClosed 关闭状态（正常放行）
	BreakerClosed BreakerState = iota
	// BreakerOpen 打开状态（熔断中，全部拒绝）
	BreakerOpen
	// BreakerHalfOpen 半开状态（仅放行一个探测请求）
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breakerEntry 单个作用域的熔断状态
type breakerEntry struct {
	state         BreakerState
	failureCount  int
	openedAt      time.Time
	cooldown      time.Duration // 当前冷却窗口（失败探测后翻倍）
	probeInFlight bool
}

// BreakerSnapshot 作用域熔断状态快照
type BreakerSnapshot struct {
	Scope        string    `json:"scope"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

// BreakerSet 按作用域的熔断器集合
type BreakerSet struct {
	mu      sync.Mutex
	policy  *PolicyStore
	entries map[string]*breakerEntry
	logger  *zap.Logger
	now     func() time.Time
}

// NewBreakerSet 创建熔断器集合
func NewBreakerSet(policy *PolicyStore, logger *zap.Logger) *BreakerSet {
	return &BreakerSet{
		policy:  policy,
		entries: make(map[string]*breakerEntry),
		logger:  logger.With(zap.String("component", "breaker")),
		now:     time.Now,
	}
}

func (s *BreakerSet) entryFor(key string) *breakerEntry {
	e, ok := s.entries[key]
	if !ok {
		e = &breakerEntry{
			state:    BreakerClosed,
			cooldown: s.policy.BreakerConfig().Cooldown,
		}
		s.entries[key] = e
	}
	return e
}

// Allow 调用前检查。Open 状态冷却期满转入 HalfOpen 并放行唯一的探测。
func (s *BreakerSet) Allow(scope types.ProviderScope) types.ErrorCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entryFor(scope.Key())
	now := s.now()

	switch e.state {
	case BreakerClosed:
		return ""

	case BreakerOpen:
		if now.Sub(e.openedAt) < e.cooldown {
			return types.ErrCircuitOpen
		}
		// 冷却期满，进入半开并放行这一个探测
		e.state = BreakerHalfOpen
		e.probeInFlight = true
		s.logger.Info("breaker half-open, probe allowed",
			zap.String("scope", scope.Key()))
		return ""

	case BreakerHalfOpen:
		// 半开状态只允许一个在途探测
		if e.probeInFlight {
			return types.ErrCircuitOpen
		}
		e.probeInFlight = true
		return ""

	default:
		return types.ErrCircuitOpen
	}
}

// Record 上报调用结果，推动状态机转换
func (s *BreakerSet) Record(scope types.ProviderScope, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.policy.BreakerConfig()
	e := s.entryFor(scope.Key())
	now := s.now()

	if success {
		switch e.state {
		case BreakerHalfOpen:
			// 探测成功，完全恢复：失败计数与冷却窗口一并复位
			e.state = BreakerClosed
			e.failureCount = 0
			e.probeInFlight = false
			e.cooldown = cfg.Cooldown
			s.logger.Info("breaker closed after successful probe",
				zap.String("scope", scope.Key()))
		default:
			e.failureCount = 0
		}
		return
	}

	switch e.state {
	case BreakerHalfOpen:
		// 探测失败，重新熔断，冷却窗口翻倍（封顶）
		e.state = BreakerOpen
		e.openedAt = now
		e.probeInFlight = false
		e.cooldown *= 2
		if cfg.MaxCooldown > 0 && e.cooldown > cfg.MaxCooldown {
			e.cooldown = cfg.MaxCooldown
		}
		s.logger.Warn("breaker reopened after failed probe",
			zap.String("scope", scope.Key()),
			zap.Duration("cooldown", e.cooldown))

	case BreakerClosed:
		e.failureCount++
		if e.failureCount >= cfg.Threshold {
			e.state = BreakerOpen
			e.openedAt = now
			s.logger.Warn("breaker opened",
				zap.String("scope", scope.Key()),
				zap.Int("failures", e.failureCount),
				zap.Duration("cooldown", e.cooldown))
		}

	case BreakerOpen:
		// 已熔断，保持计数即可
		e.failureCount++
	}
}

// StateOf 返回作用域当前熔断状态
func (s *BreakerSet) StateOf(scope types.ProviderScope) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[scope.Key()]
	if !ok {
		return BreakerClosed
	}
	return e.state
}

// ProviderOpen 判断某 provider 在给定 method 上是否处于熔断（供降级链跳过）
func (s *BreakerSet) ProviderOpen(provider, method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[types.ScopeOf(provider, method).Key()]
	if !ok {
		return false
	}
	if e.state != BreakerOpen {
		return false
	}
	// 冷却期满视为可探测，不再算熔断中
	return s.now().Sub(e.openedAt) < e.cooldown
}

// Reset 复位全部熔断器
func (s *BreakerSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*breakerEntry)
	s.logger.Info("breakers reset")
}

// Snapshot 返回全部作用域的熔断状态
func (s *BreakerSet) Snapshot() []BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(s.entries))
	for key, e := range s.entries {
		out = append(out, BreakerSnapshot{
			Scope:        key,
			State:        e.state.String(),
			FailureCount: e.failureCount,
			OpenedAt:     e.openedAt,
		})
	}
	return out
}
