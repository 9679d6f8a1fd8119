package governor

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 💰 滚动窗口预算
// =============================================================================

// globalScope 全局预算计数器的键
const globalScope = "__global__"

// BudgetCounter 单个作用域的预算计数器快照
type BudgetCounter struct {
	Scope       string    `json:"scope"`
	Spent       float64   `json:"spent"`
	SoftLimit   float64   `json:"soft_limit"`
	HardLimit   float64   `json:"hard_limit"`
	WindowStart time.Time `json:"window_start"`
}

// counter 内部可变状态
type counter struct {
	spent       float64
	windowStart time.Time
	softWarned  bool // 当前窗口内是否已发出软限额告警
}

// BudgetManager 管理 provider 级与全局预算计数器。
// 窗口语义为滚动窗口：窗口自该窗口内首笔支出起算，过期后在下一次
// 观察时清零重开 —— 这是策略选择而非固定时钟边界，见 DESIGN.md。
type BudgetManager struct {
	mu       sync.Mutex
	policy   *PolicyStore
	counters map[string]*counter
	logger   *zap.Logger
	now      func() time.Time
}

// NewBudgetManager 创建预算管理器
func NewBudgetManager(policy *PolicyStore, logger *zap.Logger) *BudgetManager {
	return &BudgetManager{
		policy:   policy,
		counters: make(map[string]*counter),
		logger:   logger.With(zap.String("component", "budget")),
		now:      time.Now,
	}
}

func (m *BudgetManager) counterFor(scope string, now time.Time) *counter {
	c, ok := m.counters[scope]
	if !ok {
		c = &counter{windowStart: now}
		m.counters[scope] = c
	}
	return c
}

// rollover 窗口过期则清零重开；窗口永不静默丢弃，滚动在观察点发生
func (m *BudgetManager) rollover(c *counter, window time.Duration, now time.Time) {
	if window > 0 && now.Sub(c.windowStart) >= window {
		c.spent = 0
		c.softWarned = false
		c.windowStart = now
	}
}

// Check 判定作用域是否还允许继续支出。
// 硬限额返回对应 reason code；软限额在 Record 时告警，此处放行。
func (m *BudgetManager) Check(provider string) types.ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	// 全局硬限额
	global := m.policy.GlobalBudget()
	gc := m.counterFor(globalScope, now)
	m.rollover(gc, global.Window, now)
	if global.HardLimit > 0 && gc.spent > global.HardLimit {
		return types.ErrBudgetHardLimitExceeded
	}

	// provider 硬限额
	if cfg, ok := m.policy.BudgetFor(provider); ok {
		pc := m.counterFor(provider, now)
		m.rollover(pc, cfg.Window, now)
		if cfg.HardLimit > 0 && pc.spent > cfg.HardLimit {
			return types.ErrProviderBudgetExceeded
		}
	}

	return ""
}

// Record 上报一次调用成本，同时累加到 provider 级与全局计数器
func (m *BudgetManager) Record(provider string, cost float64) {
	if cost <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	global := m.policy.GlobalBudget()
	gc := m.counterFor(globalScope, now)
	m.rollover(gc, global.Window, now)
	gc.spent += cost
	m.warnSoft(globalScope, gc, global)

	if cfg, ok := m.policy.BudgetFor(provider); ok {
		pc := m.counterFor(provider, now)
		m.rollover(pc, cfg.Window, now)
		pc.spent += cost
		m.warnSoft(provider, pc, cfg)
	}
}

// warnSoft 软限额越界仅告警一次，不产生 reason code
func (m *BudgetManager) warnSoft(scope string, c *counter, cfg BudgetConfig) {
	if cfg.SoftLimit <= 0 || c.spent <= cfg.SoftLimit || c.softWarned {
		return
	}
	c.softWarned = true
	if ce := m.logger.Check(zapcore.WarnLevel, "budget soft limit exceeded"); ce != nil {
		ce.Write(
			zap.String("scope", scope),
			zap.Float64("spent", c.spent),
			zap.Float64("soft_limit", cfg.SoftLimit),
			zap.Float64("hard_limit", cfg.HardLimit),
		)
	}
}

// Reset 清空全部预算计数器（管理端 reset-usage 路径）
func (m *BudgetManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = make(map[string]*counter)
	m.logger.Info("budget counters reset")
}

// Snapshot 返回所有计数器快照，供状态接口展示
func (m *BudgetManager) Snapshot() []BudgetCounter {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BudgetCounter, 0, len(m.counters))
	for scope, c := range m.counters {
		var cfg BudgetConfig
		if scope == globalScope {
			cfg = m.policy.GlobalBudget()
		} else if pc, ok := m.policy.BudgetFor(scope); ok {
			cfg = pc
		}
		name := scope
		if scope == globalScope {
			name = "global"
		}
		out = append(out, BudgetCounter{
			Scope:       name,
			Spent:       c.spent,
			SoftLimit:   cfg.SoftLimit,
			HardLimit:   cfg.HardLimit,
			WindowStart: c.windowStart,
		})
	}
	return out
}
