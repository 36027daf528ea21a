package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"lessongen/internal/models"
	contextutils "lessongen/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, handler gin.HandlerFunc) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/test", handler)

	req, _ := http.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return w, response
}

func TestStandardizeHTTPError(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusBadRequest, "INVALID_INPUT"},
		{http.StatusUnauthorized, "UNAUTHORIZED"},
		{http.StatusNotFound, "RECORD_NOT_FOUND"},
		{http.StatusTooManyRequests, "RATE_LIMITED"},
		{http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{http.StatusTeapot, "INTERNAL_SERVER_ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			w, response := serve(t, func(c *gin.Context) {
				StandardizeHTTPError(c, tt.status, "Something happened", "Field 'name' is required")
			})

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, response["code"])
			assert.Equal(t, "Something happened", response["message"])
			assert.Equal(t, "Field 'name' is required", response["details"])
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
		})
	}
}

func TestHandleValidationError(t *testing.T) {
	w, response := serve(t, func(c *gin.Context) {
		HandleValidationError(c, "difficulty", 9, "must be between 1 and 5")
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid difficulty", response["message"])
	assert.Equal(t, "Value '9' is invalid: must be between 1 and 5", response["details"])
	assert.Equal(t, false, response["retryable"])
}

func TestHandleAppError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"invalid input", contextutils.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT", false},
		{"unauthorized", contextutils.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED", false},
		{"wrapped not found", contextutils.WrapError(contextutils.ErrRecordNotFound, "lesson l-1 not found"), http.StatusNotFound, "RECORD_NOT_FOUND", false},
		{"queue full", contextutils.ErrQueueFull, http.StatusServiceUnavailable, "QUEUE_FULL", true},
		{"persistence", contextutils.ErrPersistenceFailed, http.StatusInternalServerError, "DATABASE_ERROR", false},
		{"plain error", errors.New("kaput"), http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, response := serve(t, func(c *gin.Context) { HandleAppError(c, tt.err) })

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, response["code"])
			assert.Equal(t, tt.retryable, response["retryable"])
		})
	}
}

func TestHandleAppError_KeepsWrappedMessage(t *testing.T) {
	_, response := serve(t, func(c *gin.Context) {
		HandleAppError(c, contextutils.WrapError(contextutils.ErrRecordNotFound, "lesson l-1 not found"))
	})

	assert.Equal(t, "lesson l-1 not found", response["message"])
}

func TestWriteGenerationResult_Failure(t *testing.T) {
	w, response := serve(t, func(c *gin.Context) {
		WriteGenerationResult(c, &models.GenerationResult{
			StatusCode:        http.StatusTooManyRequests,
			Reason:            "USER_REQUEST_IN_PROGRESS",
			Message:           "A generation request for this user is already in progress",
			Retryable:         true,
			RetryAfterSeconds: 30,
		})
	})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, false, response["success"])
	assert.Equal(t, "USER_REQUEST_IN_PROGRESS", response["reason"])
	assert.Equal(t, true, response["retryable"])
	assert.Equal(t, float64(30), response["retryAfterSeconds"])
}

func TestWriteGenerationResult_Success(t *testing.T) {
	w, response := serve(t, func(c *gin.Context) {
		WriteGenerationResult(c, &models.GenerationResult{
			Success:    true,
			StatusCode: http.StatusOK,
			State:      models.StatePersisted,
			Lesson:     &models.Lesson{ID: "l-1", Title: "Fractions"},
		})
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "PERSISTED", response["state"])
	lesson, ok := response["lesson"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "l-1", lesson["id"])
}

func TestWriteGenerationResult_Nil(t *testing.T) {
	w, response := serve(t, func(c *gin.Context) { WriteGenerationResult(c, nil) })

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_SERVER_ERROR", response["code"])
}
