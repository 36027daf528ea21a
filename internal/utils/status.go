package contextutils

import "net/http"

// HTTPStatusForCode maps an error code to the HTTP status returned to callers
func HTTPStatusForCode(code ErrorCode) int {
	switch code {
	case ErrorCodeInvalidInput, ErrorCodeValidationRejected:
		return http.StatusBadRequest

	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized

	case ErrorCodeRecordNotFound:
		return http.StatusNotFound

	case ErrorCodeUserRequestInProgress, ErrorCodeRateLimit:
		return http.StatusTooManyRequests

	case ErrorCodeQueueFull, ErrorCodeQueueTimeout, ErrorCodeCleanupTimeout, ErrorCodeQueueCleared,
		ErrorCodeServiceUnavailable, ErrorCodeAllProvidersFailed, ErrorCodeAIRateLimited:
		return http.StatusServiceUnavailable

	case ErrorCodeTimeout:
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatusForError maps any error to an HTTP status, defaulting to 500
func HTTPStatusForError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return HTTPStatusForCode(GetErrorCode(err))
}
