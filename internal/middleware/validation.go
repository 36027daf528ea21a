package middleware

import (
	"bytes"
	"io"
	"strings"

	"lessongen/internal/observability"
	contextutils "lessongen/internal/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// maxRequestBody caps the bytes read for schema validation
const maxRequestBody = 1 << 20

// RequestValidationMiddleware validates the JSON request body against the named
// schema before the handler runs. The body is restored so handlers can bind it.
func RequestValidationMiddleware(loader *SchemaLoader, schemaName string, logger *observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "request_validation")
		defer span.End()
		span.SetAttributes(attribute.String("schema.name", schemaName))

		if c.Request.Body == nil {
			AbortWithAppError(c, contextutils.WrapError(contextutils.ErrInvalidInput, "request body is required"))
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
		_ = c.Request.Body.Close()
		if err != nil {
			AbortWithAppError(c, contextutils.WrapError(contextutils.ErrInvalidInput, "failed to read request body"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		violations, err := loader.Validate(schemaName, body)
		if err != nil {
			span.SetAttributes(attribute.String("validation.result", "error"))
			AbortWithAppError(c, err)
			return
		}
		if len(violations) > 0 {
			span.SetAttributes(
				attribute.String("validation.result", "failed"),
				attribute.Int("validation.violations", len(violations)),
			)
			logger.Warn(ctx, "Request body failed schema validation", map[string]interface{}{
				"method":     c.Request.Method,
				"path":       c.Request.URL.Path,
				"schema":     schemaName,
				"violations": violations,
			})
			appErr := contextutils.NewAppError(
				contextutils.ErrorCodeInvalidInput,
				contextutils.SeverityWarn,
				"Request body does not match the expected schema",
				strings.Join(violations, "; "),
			)
			AbortWithAppError(c, appErr)
			return
		}

		span.SetAttributes(attribute.String("validation.result", "passed"))
		c.Next()
	}
}
