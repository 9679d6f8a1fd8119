package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/taskmesh/internal/ctxkeys"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders()(okHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestChain_AppliesAllMiddleware(t *testing.T) {
	handler := Chain(okHandler(), SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID_InjectsContext(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.RequestID(r.Context())
	})
	handler := RequestID()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
}

func TestRequestID_PreservesClientID(t *testing.T) {
	handler := RequestID()(okHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-from-client")
	handler.ServeHTTP(w, r)

	assert.Equal(t, "req-from-client", w.Header().Get("X-Request-ID"))
}

func TestRecovery_PanicReturns500(t *testing.T) {
	logger := zaptest.NewLogger(t)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := Recovery(logger)(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_error")
}

func TestAPIKeyAuth(t *testing.T) {
	logger := zaptest.NewLogger(t)
	handler := APIKeyAuth([]string{"secret-key"}, "", []string{"/healthz"}, false, logger)(okHandler())

	t.Run("valid key", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		r.Header.Set("X-API-Key", "secret-key")
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing key", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "unauthenticated_source")
	})

	t.Run("skip path", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("no credentials configured is open", func(t *testing.T) {
		open := APIKeyAuth(nil, "", nil, false, logger)(okHandler())
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		open.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAPIKeyAuth_QueryKey(t *testing.T) {
	logger := zaptest.NewLogger(t)
	handler := APIKeyAuth([]string{"secret-key"}, "", nil, true, logger)(okHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/tasks?api_key=secret-key", nil)
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuth_JWTBearer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	const secret = "cluster-shared-secret"
	handler := func(inner http.Handler) http.Handler {
		return APIKeyAuth(nil, secret, nil, false, logger)(inner)
	}

	signToken := func(t *testing.T, claims jwt.MapClaims) string {
		t.Helper()
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)
		return signed
	}

	t.Run("valid token carries node identity", func(t *testing.T) {
		var nodeID string
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nodeID, _ = ctxkeys.NodeID(r.Context())
		})

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/cluster/nodes", nil)
		r.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
			"node_id": "worker-1",
			"exp":     time.Now().Add(time.Minute).Unix(),
		}))
		handler(inner).ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "worker-1", nodeID)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/cluster/nodes", nil)
		r.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
			"node_id": "worker-1",
			"exp":     time.Now().Add(-time.Minute).Unix(),
		}))
		handler(okHandler()).ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/cluster/nodes", nil)
		r.Header.Set("Authorization", "Bearer not-a-jwt")
		handler(okHandler()).ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRateLimiter(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := t.Context()

	handler := RateLimiter(ctx, 1, 1, logger)(okHandler())

	first := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(first, r)
	assert.Equal(t, http.StatusOK, first.Code)

	// 突发容量 1，立刻再来一发必被限
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, r)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "rate_limit_requests_exceeded")
}

func TestRateLimiter_DisabledWhenZero(t *testing.T) {
	logger := zaptest.NewLogger(t)
	handler := RateLimiter(t.Context(), 0, 0, logger)(okHandler())

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestCORS(t *testing.T) {
	t.Run("allowed origin", func(t *testing.T) {
		handler := CORS([]string{"https://app.example.com"})(okHandler())

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		r.Header.Set("Origin", "https://app.example.com")
		handler.ServeHTTP(w, r)

		assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown origin gets no headers", func(t *testing.T) {
		handler := CORS([]string{"https://app.example.com"})(okHandler())

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		r.Header.Set("Origin", "https://evil.example.com")
		handler.ServeHTTP(w, r)

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unconfigured rejects preflight", func(t *testing.T) {
		handler := CORS(nil)(okHandler())

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodOptions, "/tasks", nil)
		r.Header.Set("Origin", "https://app.example.com")
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/tasks", "/tasks"},
		{"/governance/status", "/governance/status"},
		{"/tasks/9f1c2a3b-4d5e-6f70-8192-a3b4c5d6e7f8", "/tasks/:id"},
		{"/tasks/9f1c2a3b-4d5e-6f70-8192-a3b4c5d6e7f8/trace", "/tasks/:id/trace"},
		{"/cluster/nodes/12345/heartbeat", "/cluster/nodes/:id/heartbeat"},
		{"/cluster/nodes/worker-1/heartbeat", "/cluster/nodes/worker-1/heartbeat"},
		{"/healthz", "/healthz"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.path), tt.path)
	}
}
