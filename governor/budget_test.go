package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/taskmesh/types"
)

func TestBudgetHardLimitGlobal(t *testing.T) {
	limits := DefaultLimits()
	limits.GlobalBudget = BudgetConfig{SoftLimit: 10, HardLimit: 50, Window: time.Hour}

	mgr := NewBudgetManager(newTestPolicy(t, limits), zap.NewNop())

	// 未超限时放行
	mgr.Record("openai", 30.0)
	assert.Equal(t, types.ErrorCode(""), mgr.Check("openai"))

	// 累计 51.0 后下一次检查拒绝
	mgr.Record("openai", 21.0)
	assert.Equal(t, types.ErrBudgetHardLimitExceeded, mgr.Check("openai"))

	// 全局限额对所有 provider 生效
	assert.Equal(t, types.ErrBudgetHardLimitExceeded, mgr.Check("ollama"))
}

func TestBudgetHardLimitProvider(t *testing.T) {
	limits := DefaultLimits()
	limits.GlobalBudget = BudgetConfig{HardLimit: 1000, Window: time.Hour}
	limits.ProviderBudgets = map[string]BudgetConfig{
		"openai": {SoftLimit: 5, HardLimit: 20, Window: time.Hour},
	}

	mgr := NewBudgetManager(newTestPolicy(t, limits), zap.NewNop())

	mgr.Record("openai", 25.0)
	assert.Equal(t, types.ErrProviderBudgetExceeded, mgr.Check("openai"))

	// 其它 provider 不受 openai 的限额影响
	assert.Equal(t, types.ErrorCode(""), mgr.Check("ollama"))
}

func TestBudgetSoftLimitWarnsAndAllows(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	limits := DefaultLimits()
	limits.GlobalBudget = BudgetConfig{SoftLimit: 10, HardLimit: 50, Window: time.Hour}

	mgr := NewBudgetManager(newTestPolicy(t, limits), logger)

	// 10/50 软限额越界：仅告警，仍放行
	mgr.Record("openai", 11.0)
	assert.Equal(t, types.ErrorCode(""), mgr.Check("openai"))

	entries := logs.FilterMessage("budget soft limit exceeded").All()
	require.Len(t, entries, 1)

	// 同一窗口内重复越界不再告警
	mgr.Record("openai", 1.0)
	assert.Len(t, logs.FilterMessage("budget soft limit exceeded").All(), 1)
}

func TestBudgetRollingWindowReset(t *testing.T) {
	limits := DefaultLimits()
	limits.GlobalBudget = BudgetConfig{SoftLimit: 10, HardLimit: 50, Window: time.Hour}

	clock := newFakeClock()
	mgr := NewBudgetManager(newTestPolicy(t, limits), zap.NewNop())
	mgr.now = clock.Now

	mgr.Record("openai", 60.0)
	require.Equal(t, types.ErrBudgetHardLimitExceeded, mgr.Check("openai"))

	// 窗口滚动后计数清零
	clock.Advance(time.Hour + time.Minute)
	assert.Equal(t, types.ErrorCode(""), mgr.Check("openai"))

	snap := mgr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "global", snap[0].Scope)
	assert.Equal(t, 0.0, snap[0].Spent)
}

func TestBudgetRecordAccumulatesBothScopes(t *testing.T) {
	limits := DefaultLimits()
	limits.GlobalBudget = BudgetConfig{HardLimit: 1000, Window: time.Hour}
	limits.ProviderBudgets = map[string]BudgetConfig{
		"openai": {HardLimit: 100, Window: time.Hour},
	}

	mgr := NewBudgetManager(newTestPolicy(t, limits), zap.NewNop())
	mgr.Record("openai", 7.5)
	mgr.Record("openai", 2.5)

	byScope := make(map[string]float64)
	for _, c := range mgr.Snapshot() {
		byScope[c.Scope] = c.Spent
	}
	assert.Equal(t, 10.0, byScope["global"])
	assert.Equal(t, 10.0, byScope["openai"])
}

func TestBudgetReset(t *testing.T) {
	limits := DefaultLimits()
	limits.GlobalBudget = BudgetConfig{HardLimit: 50, Window: time.Hour}

	mgr := NewBudgetManager(newTestPolicy(t, limits), zap.NewNop())
	mgr.Record("openai", 60.0)
	require.Equal(t, types.ErrBudgetHardLimitExceeded, mgr.Check("openai"))

	mgr.Reset()
	assert.Equal(t, types.ErrorCode(""), mgr.Check("openai"))
}
