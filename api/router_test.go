package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/taskmesh/api/handlers"
	"github.com/BaSui01/taskmesh/foreman"
	"github.com/BaSui01/taskmesh/governor"
	"github.com/BaSui01/taskmesh/queue"
)

// =============================================================================
// 🧪 路由表测试
// =============================================================================

func newTestRouter(t *testing.T) *http.ServeMux {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := governor.NewPolicyStore(governor.DefaultLimits())
	require.NoError(t, err)
	gov := governor.New(store, governor.DefaultConfig(), logger)

	q := queue.NewMemoryQueue(logger)
	t.Cleanup(func() { _ = q.Close() })
	registry := foreman.NewRegistry(foreman.DefaultRegistryConfig(), logger)

	return NewRouter(Handlers{
		Governance: handlers.NewGovernanceHandler(gov, logger),
		Cluster:    handlers.NewClusterHandler(q, registry, logger),
		Health:     handlers.NewHealthHandler(logger),
		Version:    "test",
	})
}

func TestRouterRoutes(t *testing.T) {
	mux := newTestRouter(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/governance/status", http.StatusOK},
		{http.MethodGet, "/governance/limits", http.StatusOK},
		{http.MethodGet, "/governance/audit", http.StatusOK},
		{http.MethodPost, "/governance/reset-usage", http.StatusOK},
		{http.MethodGet, "/queue/stats", http.StatusOK},
		{http.MethodGet, "/cluster/status", http.StatusOK},
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusOK},
		{http.MethodGet, "/version", http.StatusOK},
		{http.MethodGet, "/no-such-route", http.StatusNotFound},
		// 错误方法被 1.22 方法路由拒绝
		{http.MethodDelete, "/governance/status", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRouterSkipsNilHandlers(t *testing.T) {
	mux := NewRouter(Handlers{
		Health: handlers.NewHealthHandler(zaptest.NewLogger(t)),
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
