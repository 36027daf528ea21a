package contextutils

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		expected string
	}{
		{
			name: "error with details",
			appError: &AppError{
				Code:     ErrorCodeQueueFull,
				Severity: SeverityWarn,
				Message:  "Generation queue is full",
				Details:  "queue size 100",
			},
			expected: "QUEUE_FULL: Generation queue is full - queue size 100",
		},
		{
			name: "error without details",
			appError: &AppError{
				Code:     ErrorCodeRecordNotFound,
				Severity: SeverityInfo,
				Message:  "Record not found",
			},
			expected: "RECORD_NOT_FOUND: Record not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.appError.Error())
		})
	}
}

func TestAppError_Is(t *testing.T) {
	err1 := &AppError{Code: ErrorCodeQueueTimeout}
	err2 := &AppError{Code: ErrorCodeQueueTimeout}
	err3 := &AppError{Code: ErrorCodeQueueFull}

	assert.True(t, err1.Is(err2))
	assert.False(t, err1.Is(err3))
	assert.False(t, err1.Is(errors.New("regular error")))
	assert.True(t, errors.Is(WrapError(err1, "sweep"), ErrQueueTimeout))
}

func TestWrapError(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, WrapError(nil, "context"))
	})

	t.Run("AppError wrapping", func(t *testing.T) {
		wrapped := WrapError(ErrUserRequestInProgress, "admission")

		var appErr *AppError
		require.True(t, errors.As(wrapped, &appErr))
		assert.Equal(t, ErrorCodeUserRequestInProgress, appErr.Code)
		assert.Equal(t, "admission", appErr.Message)
		assert.Contains(t, appErr.Details, "already in progress")
		assert.Equal(t, ErrUserRequestInProgress, appErr.Cause)
	})

	t.Run("regular error wrapping", func(t *testing.T) {
		original := errors.New("connection reset")
		wrapped := WrapError(original, "provider call")

		var appErr *AppError
		require.True(t, errors.As(wrapped, &appErr))
		assert.Equal(t, ErrorCodeInternalError, appErr.Code)
		assert.Equal(t, "connection reset", appErr.Details)
		assert.Equal(t, original, appErr.Cause)
	})

	t.Run("AppError nested in fmt wrap keeps code", func(t *testing.T) {
		inner := fmt.Errorf("attempt 2: %w", ErrAIRateLimited)
		wrapped := WrapError(inner, "provider call")
		assert.Equal(t, ErrorCodeAIRateLimited, GetErrorCode(wrapped))
	})
}

func TestWrapErrorf(t *testing.T) {
	t.Run("plain format", func(t *testing.T) {
		wrapped := WrapErrorf(errors.New("boom"), "failed to persist lesson %s", "l-1")

		var appErr *AppError
		require.True(t, errors.As(wrapped, &appErr))
		assert.Equal(t, ErrorCodeInternalError, appErr.Code)
		assert.Equal(t, "failed to persist lesson l-1", appErr.Message)
		assert.Equal(t, "boom", appErr.Details)
	})

	t.Run("percent w keeps chain", func(t *testing.T) {
		original := errors.New("tcp timeout")
		wrapped := WrapErrorf(ErrDatabaseQuery, "insert questions: %w", original)

		assert.Equal(t, ErrorCodeDatabaseQuery, GetErrorCode(wrapped))
		assert.ErrorIs(t, wrapped, original)
		assert.Contains(t, wrapped.Error(), "insert questions: tcp timeout")
	})

	t.Run("percent w with formatted args keeps the outer code", func(t *testing.T) {
		statusErr := errors.New("status 429")
		wrapped := WrapErrorf(ErrAIRateLimited, "provider %s rate limited: %w", "openai", statusErr)

		assert.Equal(t, ErrorCodeAIRateLimited, GetErrorCode(wrapped))
		assert.ErrorIs(t, wrapped, statusErr)
		assert.Equal(t, "provider openai rate limited: status 429", wrapped.(*AppError).Message)
	})
}

func TestGetErrorCodeAndSeverity(t *testing.T) {
	assert.Equal(t, ErrorCodeQueueFull, GetErrorCode(ErrQueueFull))
	assert.Equal(t, ErrorCodeInternalError, GetErrorCode(errors.New("x")))
	assert.Equal(t, SeverityWarn, GetErrorSeverity(ErrQueueFull))
	assert.Equal(t, SeverityError, GetErrorSeverity(errors.New("x")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"user in progress", ErrUserRequestInProgress, true},
		{"queue full", ErrQueueFull, true},
		{"queue timeout", ErrQueueTimeout, true},
		{"all providers failed", ErrAllProvidersFailed, true},
		{"validation rejected", ErrValidationRejected, true},
		{"invalid input", ErrInvalidInput, false},
		{"internal", ErrInternalError, false},
		{"fatal timeout", &AppError{Code: ErrorCodeTimeout, Severity: SeverityFatal}, false},
		{"regular error", errors.New("regular error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestHTTPStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatusForCode(ErrorCodeUserRequestInProgress))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatusForCode(ErrorCodeRateLimit))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusForCode(ErrorCodeQueueFull))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusForCode(ErrorCodeQueueTimeout))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusForCode(ErrorCodeAllProvidersFailed))
	assert.Equal(t, http.StatusBadRequest, HTTPStatusForCode(ErrorCodeValidationRejected))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusForCode(ErrorCodeDatabaseQuery))
	assert.Equal(t, http.StatusOK, HTTPStatusForError(nil))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusForError(errors.New("x")))
}

func TestAppError_ToJSON(t *testing.T) {
	err := &AppError{
		Code:     ErrorCodeInvalidInput,
		Severity: SeverityWarn,
		Message:  "Invalid input",
		Details:  "difficulty must be 1..5",
		Cause:    errors.New("underlying error"),
	}

	json := err.ToJSON()

	assert.Equal(t, "INVALID_INPUT", json["code"])
	assert.Equal(t, "Invalid input", json["message"])
	assert.Equal(t, "warn", json["severity"])
	assert.Equal(t, "difficulty must be 1..5", json["details"])
	assert.Equal(t, false, json["retryable"])
	assert.NotContains(t, json, "cause")
}

func TestManualClock(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	assert.Equal(t, start, c.Now())
	c.Advance(6 * time.Minute)
	assert.Equal(t, start.Add(6*time.Minute), c.Now())
}
