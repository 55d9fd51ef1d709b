package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/scan-engine/internal/types"
)

// ErrorCategory groups errors by how callers should react to them
type ErrorCategory string

const (
	// CategoryUpstreamTransient represents rate limits, timeouts and overloads from a provider
	CategoryUpstreamTransient ErrorCategory = "upstream_transient"
	// CategoryUpstreamPermanent represents auth failures and malformed requests to a provider
	CategoryUpstreamPermanent ErrorCategory = "upstream_permanent"
	// CategoryBudget represents exhaustion of the per-invocation outbound budget
	CategoryBudget ErrorCategory = "budget"
	// CategoryConvergence represents a job whose chunks never all arrived
	CategoryConvergence ErrorCategory = "convergence"
	// CategoryFinancial represents ledger rejections
	CategoryFinancial ErrorCategory = "financial"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// CategorizedError carries a category, an HTTP status and a stable code
// alongside the message shown to callers. Cause is for logs only.
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

func newError(category ErrorCategory, status int, code, message string) *CategorizedError {
	return &CategorizedError{Category: category, StatusCode: status, Code: code, Message: message}
}

// with attaches a detail field
func (e *CategorizedError) with(key string, value interface{}) *CategorizedError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *CategorizedError) causedBy(err error) *CategorizedError {
	e.Cause = err
	return e
}

// Upstream errors

// NewUpstreamTransientError creates a retryable provider error
func NewUpstreamTransientError(provider string, cause error) *CategorizedError {
	return newError(CategoryUpstreamTransient, http.StatusBadGateway, "UPSTREAM_TRANSIENT",
		provider+" temporarily unavailable").
		with("provider", provider).
		causedBy(cause)
}

// NewUpstreamRateLimitError creates a provider rate limit error
func NewUpstreamRateLimitError(provider string, retryAfterSeconds int) *CategorizedError {
	return newError(CategoryUpstreamTransient, http.StatusTooManyRequests, "UPSTREAM_RATE_LIMIT",
		provider+" rate limit exceeded").
		with("provider", provider).
		with("retryAfter", retryAfterSeconds)
}

// NewUpstreamPermanentError creates a non-retryable provider error.
// The cause keeps the raw provider text for logs only.
func NewUpstreamPermanentError(provider string, status int, cause error) *CategorizedError {
	return newError(CategoryUpstreamPermanent, http.StatusBadGateway, "UPSTREAM_PERMANENT",
		provider+" rejected the request").
		with("provider", provider).
		with("upstreamStatus", status).
		causedBy(cause)
}

// Scan errors

// NewBudgetExhaustedError reports that an invocation ran out of outbound budget
func NewBudgetExhaustedError(used, limit int) *CategorizedError {
	return newError(CategoryBudget, http.StatusOK, "BUDGET_EXHAUSTED",
		fmt.Sprintf("invocation budget exhausted (%d/%d)", used, limit)).
		with("used", used).
		with("limit", limit)
}

// NewConvergenceTimeoutError creates an error for a job abandoned by the poller
func NewConvergenceTimeoutError(jobID string, present, total, attempts int) *CategorizedError {
	return newError(CategoryConvergence, http.StatusGatewayTimeout, "CONVERGENCE_TIMEOUT",
		fmt.Sprintf("scan timed out waiting for results (%d of %d chunks after %d checks)", present, total, attempts)).
		with("jobId", jobID).
		with("present", present).
		with("total", total).
		with("attempts", attempts)
}

// NewDeadlineExceededError creates an error for an inline scan that ran out of time
func NewDeadlineExceededError(jobID string, deadline time.Duration, cause error) *CategorizedError {
	e := newError(CategoryConvergence, http.StatusGatewayTimeout, "DEADLINE_EXCEEDED",
		fmt.Sprintf("scan did not finish within %s", deadline)).
		causedBy(cause)
	if jobID != "" {
		e.with("jobId", jobID)
	}
	return e
}

// NewNoAccountsError is returned when a schedule resolves to an empty account list
func NewNoAccountsError(scheduleID string) *CategorizedError {
	return newError(CategoryValidation, http.StatusBadRequest, "NO_ACCOUNTS", "no accounts").
		with("scheduleId", scheduleID)
}

// Financial errors

func NewInsufficientCreditsError(balance, needed int64) *CategorizedError {
	return newError(CategoryFinancial, http.StatusForbidden, "INSUFFICIENT_CREDITS",
		fmt.Sprintf("insufficient credits: need %d, have %d", needed, balance)).
		with("balance", balance).
		with("needed", needed)
}

func NewFreeTierExhaustedError(reason string) *CategorizedError {
	return newError(CategoryFinancial, http.StatusForbidden, "FREE_TIER_EXHAUSTED", reason)
}

// NewInvalidSignatureError rejects a webhook whose signature does not verify
func NewInvalidSignatureError(reason string) *CategorizedError {
	return newError(CategoryAuthorization, http.StatusBadRequest, "INVALID_SIGNATURE", reason)
}

// Request errors

func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return newError(CategoryValidation, http.StatusBadRequest, "INVALID_PARAMETER",
		fmt.Sprintf("invalid parameter '%s': %s", param, reason)).
		with("parameter", param).
		with("reason", reason)
}

func NewUnauthorizedError(message string) *CategorizedError {
	return newError(CategoryAuthorization, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func NewNotFoundError(resource string, id string) *CategorizedError {
	return newError(CategoryNotFound, http.StatusNotFound, "NOT_FOUND",
		fmt.Sprintf("%s not found: %s", resource, id)).
		with("resource", resource).
		with("id", id)
}

func NewConflictError(message string) *CategorizedError {
	return newError(CategoryConflict, http.StatusConflict, "CONFLICT", message)
}

// System errors

func NewInternalError(message string, cause error) *CategorizedError {
	return newError(CategorySystem, http.StatusInternalServerError, "INTERNAL_ERROR", message).
		causedBy(cause)
}

// NewDatabaseError wraps a store failure; it is retryable
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return newError(CategoryDatabase, http.StatusInternalServerError, "DATABASE_ERROR",
		"database error during "+operation).
		with("operation", operation).
		causedBy(cause)
}

// NewCacheError wraps a cache failure; it is retryable
func NewCacheError(operation string, cause error) *CategorizedError {
	return newError(CategoryCache, http.StatusInternalServerError, "CACHE_ERROR",
		"cache error during "+operation).
		with("operation", operation).
		causedBy(cause)
}

// Categorize categorizes an existing error, looking through wrapping
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		e := newError(CategorySystem, http.StatusInternalServerError, svcErr.Code, svcErr.Message)
		e.Details = svcErr.Details
		return e
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error, 200 for nil
func GetHTTPStatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return Categorize(err).StatusCode
}

// IsRetryable reports whether another attempt could succeed. Provider
// hiccups and store failures qualify; everything else is final.
func IsRetryable(err error) bool {
	return Is(err, CategoryUpstreamTransient) || Is(err, CategoryDatabase) || Is(err, CategoryCache)
}

// IsPermanent reports whether err is an upstream failure that must abort the job
func IsPermanent(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryUpstreamPermanent
}

// Is reports whether err carries the given category
func Is(err error, category ErrorCategory) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == category
}

// UserMessage returns the short text stored as a schedule's last-run message.
// Provider text never leaks through for upstream failures.
func UserMessage(err error) string {
	catErr := Categorize(err)
	if catErr == nil {
		return ""
	}

	switch catErr.Category {
	case CategoryUpstreamPermanent:
		return providerOf(catErr) + " rejected the request; check your configuration"
	case CategoryUpstreamTransient:
		return providerOf(catErr) + " is temporarily unavailable; will retry on next run"
	case CategoryConvergence, CategoryFinancial, CategoryValidation, CategoryBudget:
		return catErr.Message
	case CategoryDatabase, CategoryCache, CategorySystem:
		return "internal error while running scan"
	default:
		return catErr.Message
	}
}

// providerOf names the upstream that failed. The name is set by our own
// constructors, never taken from a provider response.
func providerOf(e *CategorizedError) string {
	if p, ok := e.Details["provider"].(string); ok && p != "" {
		return p
	}
	return "upstream provider"
}
