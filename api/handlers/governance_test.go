package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/taskmesh/governor"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🧪 治理 Handler 测试
// =============================================================================

func newGovernanceFixture(t *testing.T) (*GovernanceHandler, *governor.Governor) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := governor.NewPolicyStore(governor.DefaultLimits())
	require.NoError(t, err)
	gov := governor.New(store, governor.DefaultConfig(), logger)

	return NewGovernanceHandler(gov, logger), gov
}

func TestHandleGovernanceStatus(t *testing.T) {
	h, gov := newGovernanceFixture(t)

	// 触发一次出站检查，让状态里有限流桶
	scope := types.ProviderScope{Provider: "ollama", Method: "CHAT"}
	gov.CheckOutbound(scope)
	gov.RecordResponse(scope, true, 0.5, 100)

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, newTestRequest(http.MethodGet, "/governance/status", ""))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool            `json:"success"`
		Data    governor.Status `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.False(t, resp.Data.GeneratedAt.IsZero())
	assert.Contains(t, resp.Data.RateTokens, "ollama:CHAT")
}

func TestHandleGetLimits(t *testing.T) {
	h, _ := newGovernanceFixture(t)

	rec := httptest.NewRecorder()
	h.HandleGetLimits(rec, newTestRequest(http.MethodGet, "/governance/limits", ""))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data governor.Limits `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, governor.DefaultLimits().DefaultRateLimit.Capacity, resp.Data.DefaultRateLimit.Capacity)
}

func TestHandleSetLimits(t *testing.T) {
	h, gov := newGovernanceFixture(t)

	limits := governor.DefaultLimits()
	limits.DefaultRateLimit.Capacity = 99
	limits.GlobalBudget.HardLimit = 1234
	body, err := json.Marshal(limits)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.HandleSetLimits(rec, newTestRequest(http.MethodPost, "/governance/limits", string(body)))

	assert.Equal(t, http.StatusOK, rec.Code)

	applied := gov.Policy().Limits()
	assert.Equal(t, float64(99), applied.DefaultRateLimit.Capacity)
	assert.Equal(t, float64(1234), applied.GlobalBudget.HardLimit)
}

func TestHandleSetLimits_InvalidKeepsOld(t *testing.T) {
	h, gov := newGovernanceFixture(t)

	limits := governor.DefaultLimits()
	limits.DefaultRateLimit.Capacity = -1
	body, err := json.Marshal(limits)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.HandleSetLimits(rec, newTestRequest(http.MethodPost, "/governance/limits", string(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.ErrInvalidRequest, resp.Error.Code)

	// 原限额保持不变
	assert.Equal(t, governor.DefaultLimits().DefaultRateLimit.Capacity,
		gov.Policy().Limits().DefaultRateLimit.Capacity)
}

func TestHandleResetUsage(t *testing.T) {
	h, gov := newGovernanceFixture(t)

	scope := types.ProviderScope{Provider: "ollama", Method: "CHAT"}
	gov.CheckOutbound(scope)
	gov.RecordResponse(scope, true, 42.0, 1000)

	rec := httptest.NewRecorder()
	h.HandleResetUsage(rec, newTestRequest(http.MethodPost, "/governance/reset-usage", ""))

	assert.Equal(t, http.StatusOK, rec.Code)

	status := gov.Status()
	for _, b := range status.Budgets {
		assert.Zero(t, b.Spent, "budget %q should be reset", b.Scope)
	}
}

func TestHandleAudit(t *testing.T) {
	h, gov := newGovernanceFixture(t)

	t.Run("empty log returns empty array", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.HandleAudit(rec, newTestRequest(http.MethodGet, "/governance/audit", ""))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"data":[]`)
	})

	t.Run("fallback decisions are recorded", func(t *testing.T) {
		limits := governor.DefaultLimits()
		limits.Fallback.Chain = []string{"ollama", "vllm"}
		limits.Fallback.OnTimeout = true
		limits.Fallback.TimeoutThreshold = time.Second
		require.NoError(t, gov.Policy().SetLimits(limits))

		scope := types.ProviderScope{Provider: "ollama", Method: "CHAT"}
		next, reason := gov.ResolveFallback(scope, governor.TriggerTimeout)
		require.Equal(t, "vllm", next)
		require.Equal(t, types.FallbackTimeout, reason)

		rec := httptest.NewRecorder()
		h.HandleAudit(rec, newTestRequest(http.MethodGet, "/governance/audit", ""))

		var resp struct {
			Data []governor.AuditEntry `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "ollama", resp.Data[0].FromProvider)
		assert.Equal(t, "vllm", resp.Data[0].ToProvider)
		assert.Equal(t, types.FallbackTimeout, resp.Data[0].Reason)
	})
}
