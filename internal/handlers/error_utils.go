package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"lessongen/internal/models"
	contextutils "lessongen/internal/utils"

	"github.com/gin-gonic/gin"
)

// statusErrors is the code and severity reported for a bare HTTP status
var statusErrors = map[int]struct {
	code     contextutils.ErrorCode
	severity contextutils.SeverityLevel
}{
	http.StatusBadRequest:         {contextutils.ErrorCodeInvalidInput, contextutils.SeverityWarn},
	http.StatusUnauthorized:       {contextutils.ErrorCodeUnauthorized, contextutils.SeverityWarn},
	http.StatusNotFound:           {contextutils.ErrorCodeRecordNotFound, contextutils.SeverityInfo},
	http.StatusTooManyRequests:    {contextutils.ErrorCodeRateLimit, contextutils.SeverityWarn},
	http.StatusServiceUnavailable: {contextutils.ErrorCodeServiceUnavailable, contextutils.SeverityError},
}

// StandardizeHTTPError writes an AppError body for statusCode; unknown statuses report INTERNAL_ERROR
func StandardizeHTTPError(c *gin.Context, statusCode int, message, details string) {
	entry, ok := statusErrors[statusCode]
	if !ok {
		entry.code, entry.severity = contextutils.ErrorCodeInternalError, contextutils.SeverityError
	}
	c.JSON(statusCode, contextutils.NewAppError(entry.code, entry.severity, message, details).ToJSON())
}

// StandardizeAppError sends a structured error response using AppError
func StandardizeAppError(c *gin.Context, err *contextutils.AppError) {
	_ = c.Error(err)
	c.JSON(contextutils.HTTPStatusForCode(err.Code), err.ToJSON())
}

// HandleValidationError handles input validation errors consistently
func HandleValidationError(c *gin.Context, field string, value interface{}, reason string) {
	appErr := contextutils.NewAppError(
		contextutils.ErrorCodeInvalidInput,
		contextutils.SeverityWarn,
		fmt.Sprintf("Invalid %s", field),
		fmt.Sprintf("Value '%v' is invalid: %s", value, reason),
	)

	StandardizeAppError(c, appErr)
}

// HandleAppError handles any AppError and sends appropriate HTTP response
func HandleAppError(c *gin.Context, err error) {
	var appErr *contextutils.AppError
	if errors.As(err, &appErr) {
		StandardizeAppError(c, appErr)
		return
	}
	_ = c.Error(err)
	StandardizeHTTPError(c, http.StatusInternalServerError, "Internal server error", err.Error())
}

// WriteGenerationResult writes a generation result with its own status code.
// Retryable failures carry a Retry-After header.
func WriteGenerationResult(c *gin.Context, result *models.GenerationResult) {
	if result == nil {
		StandardizeHTTPError(c, http.StatusInternalServerError, "Internal server error", "generation returned no result")
		return
	}
	if !result.Success && result.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
	}
	if !result.Success {
		_ = c.Error(contextutils.NewAppError(contextutils.ErrorCode(result.Reason), contextutils.SeverityWarn, result.Message, result.Error))
	}
	c.JSON(result.StatusCode, result)
}
