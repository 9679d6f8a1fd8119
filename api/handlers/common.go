package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/internal/ctxkeys"
	"github.com/BaSui01/taskmesh/internal/pool"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorInfo 错误信封。客户端只依赖 error_code，
// error_details 仅供人工排查，不保证格式稳定。
type ErrorInfo struct {
	Code    types.ErrorCode `json:"error_code"`
	Details ErrorDetails    `json:"error_details"`
}

// ErrorDetails 错误的诊断上下文
type ErrorDetails struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Provider  string `json:"provider,omitempty"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应。先编码到池化缓冲，
// 避免编码失败后响应头已发出的半截响应。
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, `{"error_code":"internal_error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, r *http.Request, data interface{}) {
	resp := Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	}
	if id, ok := ctxkeys.RequestID(r.Context()); ok {
		resp.RequestID = id
	}
	WriteJSON(w, http.StatusOK, resp)
}

// WriteError 写入错误响应（从 types.Error）
func WriteError(w http.ResponseWriter, r *http.Request, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}

	if logger != nil {
		logger.Error("API error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Bool("retryable", err.Retryable),
			zap.Error(err.Cause),
		)
	}

	resp := Response{
		Success: false,
		Error: &ErrorInfo{
			Code: err.Code,
			Details: ErrorDetails{
				Message:   err.Message,
				Retryable: err.Retryable,
				Provider:  err.Provider,
			},
		},
		Timestamp: time.Now(),
	}
	if id, ok := ctxkeys.RequestID(r.Context()); ok {
		resp.RequestID = id
	}
	WriteJSON(w, status, resp)
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	err := types.NewError(code, message).WithHTTPStatus(status)
	WriteError(w, r, err, logger)
}

// writeAnyError 将任意 error 转成统一错误信封
func writeAnyError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	if typed, ok := err.(*types.Error); ok {
		WriteError(w, r, typed, logger)
		return
	}
	WriteError(w, r, types.NewError(types.ErrInternal, "operation failed").WithCause(err), logger)
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	// 4xx 客户端错误
	case types.ErrInvalidRequest, types.ErrUnsupportedCapability:
		return http.StatusBadRequest
	case types.ErrUnauthorized, types.ErrUnauthenticatedSource:
		return http.StatusUnauthorized
	case types.ErrTaskNotFound, types.ErrNodeNotFound:
		return http.StatusNotFound
	case types.ErrRateLimited, types.ErrRateLimitRequestsExceeded,
		types.ErrRateLimitTokensExceeded, types.ErrUpdateRateLimited:
		return http.StatusTooManyRequests
	case types.ErrProviderBudgetExceeded, types.ErrBudgetHardLimitExceeded:
		return http.StatusPaymentRequired
	case types.ErrCancelled:
		return http.StatusConflict

	// 5xx 服务端错误
	case types.ErrCircuitOpen, types.ErrNoProviderAvailable:
		return http.StatusServiceUnavailable
	case types.ErrRoutingMismatch, types.ErrExecutionContractViolation,
		types.ErrExecutionFailed, types.ErrMaxRetriesExceeded, types.ErrInternal:
		return http.StatusInternalServerError

	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) error {
	if r.Body == nil {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, r, err, logger)
		return err
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields() // 严格模式：拒绝未知字段

	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, "invalid JSON body").
			WithCause(err).
			WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, r, apiErr, logger)
		return apiErr
	}

	return nil
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
	Bytes      int
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以统计响应大小
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += n
	return n, err
}
