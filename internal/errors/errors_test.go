package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantCategory ErrorCategory
		wantStatus   int
	}{
		{
			name:         "categorized error passes through",
			err:          NewInsufficientCreditsError(40, 50),
			wantCategory: CategoryFinancial,
			wantStatus:   http.StatusForbidden,
		},
		{
			name:         "wrapped categorized error is found",
			err:          fmt.Errorf("dispatch: %w", NewUpstreamRateLimitError("content", 30)),
			wantCategory: CategoryUpstreamTransient,
			wantStatus:   http.StatusTooManyRequests,
		},
		{
			name:         "plain error becomes internal",
			err:          stderrors.New("boom"),
			wantCategory: CategorySystem,
			wantStatus:   http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Categorize(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantCategory, got.Category)
			assert.Equal(t, tt.wantStatus, GetHTTPStatusCode(tt.err))
		})
	}

	assert.Nil(t, Categorize(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewUpstreamTransientError("analysis", context.DeadlineExceeded)))
	assert.True(t, IsRetryable(NewDatabaseError("debit", stderrors.New("conn reset"))))
	assert.False(t, IsRetryable(NewUpstreamPermanentError("analysis", 401, stderrors.New("bad key"))))
	assert.False(t, IsRetryable(NewInsufficientCreditsError(0, 10)))
	assert.False(t, IsRetryable(nil))
}

func TestIsPermanent(t *testing.T) {
	err := fmt.Errorf("batch 2: %w", NewUpstreamPermanentError("analysis", 400, stderrors.New("invalid model")))
	assert.True(t, IsPermanent(err))
	assert.False(t, IsPermanent(NewUpstreamRateLimitError("analysis", 0)))
}

func TestUserMessage_HidesProviderText(t *testing.T) {
	raw := stderrors.New(`{"error":"invalid x-api-key sk-123"}`)
	msg := UserMessage(NewUpstreamPermanentError("analysis", 401, raw))

	assert.NotContains(t, msg, "sk-123")
	assert.NotEmpty(t, msg)
}

func TestUserMessage_NamesFailingProvider(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"analysis rejected", NewUpstreamPermanentError("analysis provider", 401, nil), "analysis provider rejected the request; check your configuration"},
		{"analysis down", NewUpstreamTransientError("analysis provider", nil), "analysis provider is temporarily unavailable; will retry on next run"},
		{"content rejected", NewUpstreamPermanentError("content provider", 403, nil), "content provider rejected the request; check your configuration"},
		{"content rate limited", NewUpstreamRateLimitError("content provider", 5), "content provider is temporarily unavailable; will retry on next run"},
		{"wrapped", fmt.Errorf("batch 2: %w", NewUpstreamPermanentError("analysis provider", 400, nil)), "analysis provider rejected the request; check your configuration"},
		{"unnamed", newError(CategoryUpstreamPermanent, 502, "UPSTREAM_PERMANENT", "x"), "upstream provider rejected the request; check your configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UserMessage(tt.err))
		})
	}
}

func TestUserMessage_Passthrough(t *testing.T) {
	assert.Equal(t, "no accounts", UserMessage(NewNoAccountsError("s1")))
	assert.Contains(t, UserMessage(NewConvergenceTimeoutError("j1", 2, 3, 20)), "2 of 3 chunks")
	assert.Equal(t, "scan did not finish within 5m0s", UserMessage(NewDeadlineExceededError("j1", 5*time.Minute, nil)))
	assert.Equal(t, "", UserMessage(nil))
}

func TestToServiceError(t *testing.T) {
	svc := NewNotFoundError("schedule", "s1").ToServiceError()
	assert.Equal(t, "NOT_FOUND", svc.Code)
	assert.Equal(t, "s1", svc.Details["id"])
}

func TestDetailsAndCause(t *testing.T) {
	cause := stderrors.New("dial tcp: refused")
	err := NewUpstreamPermanentError("content", 403, cause)

	assert.Equal(t, "content", err.Details["provider"])
	assert.Equal(t, 403, err.Details["upstreamStatus"])
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "UPSTREAM_PERMANENT: content rejected the request (caused by: dial tcp: refused)", err.Error())

	assert.Nil(t, NewConflictError("busy").Details)
	assert.Equal(t, http.StatusOK, GetHTTPStatusCode(nil))
}
