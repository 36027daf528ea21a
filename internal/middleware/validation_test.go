package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchemaLoader_LoadsEmbeddedSchemas(t *testing.T) {
	loader, err := NewSchemaLoader()
	require.NoError(t, err)

	assert.Equal(t, []string{
		SchemaDistributionTestRequest,
		SchemaGenerationRequest,
		SchemaScoreRequest,
	}, loader.Names())
}

func TestSchemaLoader_Validate(t *testing.T) {
	loader, err := NewSchemaLoader()
	require.NoError(t, err)

	violations, err := loader.Validate(SchemaGenerationRequest, []byte(`{"user_id":"u1","difficulty":3}`))
	require.NoError(t, err)
	assert.Empty(t, violations)

	violations, err = loader.Validate(SchemaGenerationRequest, []byte(`{"difficulty":9}`))
	require.NoError(t, err)
	assert.Len(t, violations, 2)

	_, err = loader.Validate("nope", []byte(`{}`))
	assert.Error(t, err)

	_, err = loader.Validate(SchemaScoreRequest, []byte(`{not json`))
	assert.Error(t, err)
}

func TestRequestValidationMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	loader, err := NewSchemaLoader()
	require.NoError(t, err)

	router := gin.New()
	var received string
	router.POST("/score", RequestValidationMiddleware(loader, SchemaScoreRequest, newTestLogger()), func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		received = string(body)
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"valid", `{"user_id":"u1","score":80}`, http.StatusNoContent},
		{"score out of range", `{"user_id":"u1","score":180}`, http.StatusBadRequest},
		{"missing user", `{"score":10}`, http.StatusBadRequest},
		{"malformed", `{"user_id":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			received = ""
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/score", strings.NewReader(tt.body))
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusNoContent {
				assert.Equal(t, tt.body, received)
			} else {
				assert.Equal(t, "INVALID_INPUT", decodeBody(t, w)["code"])
				assert.Empty(t, received)
			}
		})
	}
}
