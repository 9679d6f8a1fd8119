package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable machine-readable reason code. API clients key off
// these values and never parse free-text messages.
type ErrorCode string

// Gate failure codes. Terminal, surfaced verbatim, never retried.
const (
	ErrUnsupportedCapability      ErrorCode = "unsupported_capability"
	ErrRoutingMismatch            ErrorCode = "routing_mismatch"
	ErrExecutionContractViolation ErrorCode = "execution_contract_violation"
)

// Governance denial codes. May trigger fallback per policy.
const (
	ErrRateLimitRequestsExceeded ErrorCode = "rate_limit_requests_exceeded"
	ErrRateLimitTokensExceeded   ErrorCode = "rate_limit_tokens_exceeded"
	ErrProviderBudgetExceeded    ErrorCode = "provider_budget_exceeded"
	ErrBudgetHardLimitExceeded   ErrorCode = "budget_hard_limit_exceeded"
	ErrCircuitOpen               ErrorCode = "circuit_open"
	ErrNoProviderAvailable       ErrorCode = "no_provider_available"
)

// Fallback reason codes. Reported on the decision that switched providers.
const (
	FallbackTimeout        ErrorCode = "fallback_timeout"
	FallbackAuthError      ErrorCode = "fallback_auth_error"
	FallbackBudgetExceeded ErrorCode = "fallback_budget_exceeded"
	FallbackDegraded       ErrorCode = "fallback_degraded"
	FallbackOffline        ErrorCode = "fallback_offline"
)

// Cluster and execution failure codes.
const (
	ErrMaxRetriesExceeded ErrorCode = "max_retries_exceeded"
	ErrExecutionFailed    ErrorCode = "execution_failed"
	ErrCancelled          ErrorCode = "cancelled"
	ErrTaskNotFound       ErrorCode = "task_not_found"
	ErrNodeNotFound       ErrorCode = "node_not_found"
	ErrInvalidRequest     ErrorCode = "invalid_request"
	ErrUnauthorized       ErrorCode = "unauthorized"
	ErrRateLimited        ErrorCode = "rate_limited"
	ErrInternal           ErrorCode = "internal_error"
)

// Integrity failure codes. Always fatal to the specific update.
const (
	ErrDigestMismatch        ErrorCode = "digest_mismatch"
	ErrUnauthenticatedSource ErrorCode = "unauthenticated_source"
	ErrUpdateRateLimited     ErrorCode = "update_rate_limited"
)

// Error is the unified structured error carried across component
// boundaries. It wraps a cause for errors.Is/As chains.
type Error struct {
	Code       ErrorCode `json:"error_code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status used by the API layer.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider the error originated from.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// CodeOf extracts the ErrorCode from err, or internal_error if err is not
// a *types.Error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ErrInternal
}

// IsRetryable checks if an error is marked retryable.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}
