package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"lessongen/internal/models"
	contextutils "lessongen/internal/utils"
)

// GenerationTask is a unit of work admitted by the rate limiter and the generation queue
type GenerationTask func(ctx context.Context) (*models.GenerationResult, error)

// Suggested waits returned with retryable rejections, in seconds
const (
	retryAfterInProgress = 30
	retryAfterQueueFull  = 60
	retryAfterTimeout    = 30
	retryAfterProviders  = 60
	retryAfterRejected   = 5
)

// NewFailureResult converts err into the structured result callers render.
// AppErrors keep their code, status and retryability. Anything else is a 500.
func NewFailureResult(err error) *models.GenerationResult {
	code := contextutils.GetErrorCode(err)
	message := "Generation failed"
	var appErr *contextutils.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		message = appErr.Message
	}
	res := &models.GenerationResult{
		Success:    false,
		StatusCode: contextutils.HTTPStatusForCode(code),
		Message:    message,
		Reason:     string(code),
		Retryable:  contextutils.IsRetryable(err),
		State:      models.StateFailed,
	}
	if err != nil {
		res.Error = err.Error()
	}
	if res.Retryable {
		res.RetryAfterSeconds = retryAfterFor(code)
	}
	return res
}

// newTaskErrorResult is the result of a task that returned an error or panicked
func newTaskErrorResult(err error) *models.GenerationResult {
	return &models.GenerationResult{
		Success:    false,
		StatusCode: http.StatusInternalServerError,
		Message:    "Generation task failed",
		Reason:     string(contextutils.GetErrorCode(err)),
		Error:      err.Error(),
		Retryable:  contextutils.IsRetryable(err),
		State:      models.StateFailed,
	}
}

// isAdmissionError reports whether err is a scheduling rejection from a downstream
// executor, which callers see with its own status and retry hint
func isAdmissionError(err error) bool {
	switch contextutils.GetErrorCode(err) {
	case contextutils.ErrorCodeQueueCleared, contextutils.ErrorCodeQueueFull, contextutils.ErrorCodeQueueTimeout,
		contextutils.ErrorCodeCleanupTimeout, contextutils.ErrorCodeServiceUnavailable, contextutils.ErrorCodeTimeout,
		contextutils.ErrorCodeUserRequestInProgress, contextutils.ErrorCodeRateLimit:
		return true
	}
	return false
}

// newRejection builds an admission rejection for code
func newRejection(appErr *contextutils.AppError, format string, args ...interface{}) *models.GenerationResult {
	message := fmt.Sprintf(format, args...)
	return &models.GenerationResult{
		Success:           false,
		StatusCode:        contextutils.HTTPStatusForCode(appErr.Code),
		Message:           message,
		Reason:            string(appErr.Code),
		Error:             appErr.Message,
		Retryable:         true,
		RetryAfterSeconds: retryAfterFor(appErr.Code),
		State:             models.StateFailed,
	}
}

func retryAfterFor(code contextutils.ErrorCode) int {
	switch code {
	case contextutils.ErrorCodeUserRequestInProgress:
		return retryAfterInProgress
	case contextutils.ErrorCodeQueueFull, contextutils.ErrorCodeCleanupTimeout, contextutils.ErrorCodeQueueCleared:
		return retryAfterQueueFull
	case contextutils.ErrorCodeQueueTimeout, contextutils.ErrorCodeTimeout:
		return retryAfterTimeout
	case contextutils.ErrorCodeAllProvidersFailed, contextutils.ErrorCodeAIRateLimited, contextutils.ErrorCodeServiceUnavailable:
		return retryAfterProviders
	case contextutils.ErrorCodeValidationRejected:
		return retryAfterRejected
	}
	return 0
}
