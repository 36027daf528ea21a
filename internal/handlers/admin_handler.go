package handlers

import (
	"net/http"
	"strings"

	"lessongen/internal/config"
	"lessongen/internal/observability"
	"lessongen/internal/services"
	contextutils "lessongen/internal/utils"
	"lessongen/internal/version"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// AdminHandler serves the operational endpoints of the generation pipeline
type AdminHandler struct {
	generationService services.GenerationServiceInterface
	logger            *observability.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(generationService services.GenerationServiceInterface, logger *observability.Logger) *AdminHandler {
	return &AdminHandler{generationService: generationService, logger: logger}
}

// GetStats returns limiter, queue and provider state
func (h *AdminHandler) GetStats(c *gin.Context) {
	_, span := observability.TraceHandlerFunction(c.Request.Context(), "get_stats")
	defer span.End()

	c.JSON(http.StatusOK, h.generationService.Stats())
}

// ClearUser force-unlocks a user stuck in the active set
func (h *AdminHandler) ClearUser(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "clear_user")
	defer span.End()

	userID := strings.TrimSpace(c.Param("id"))
	if userID == "" {
		HandleValidationError(c, "user id", userID, "must not be empty")
		return
	}
	unlocked := h.generationService.ClearUser(userID)
	span.SetAttributes(observability.AttributeUserID(userID), attribute.Bool("admin.unlocked", unlocked))

	h.logger.Info(ctx, "Admin cleared user", map[string]interface{}{
		"user_id":  userID,
		"unlocked": unlocked,
	})
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "unlocked": unlocked})
}

// ClearAll rejects every queued request and unlocks all users
func (h *AdminHandler) ClearAll(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "clear_all")
	defer span.End()

	result := h.generationService.ClearAll()
	span.SetAttributes(
		attribute.Int("admin.users_unlocked", result.UsersUnlocked),
		attribute.Int("admin.items_rejected", result.ItemsRejected),
	)
	h.logger.Warn(ctx, "Admin cleared all generation state", map[string]interface{}{
		"users_unlocked": result.UsersUnlocked,
		"items_rejected": result.ItemsRejected,
	})
	c.JSON(http.StatusOK, result)
}

// DistributionTest validates and repairs a batch without storing it
func (h *AdminHandler) DistributionTest(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "distribution_test")
	defer span.End()

	var req services.DistributionTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleValidationError(c, "request", "body", err.Error())
		return
	}

	report, err := h.generationService.DistributionTest(ctx, req)
	if err != nil {
		HandleAppError(c, contextutils.WrapError(err, "distribution test failed"))
		return
	}
	c.JSON(http.StatusOK, report)
}

// TestConnections checks connectivity of every configured provider
func (h *AdminHandler) TestConnections(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "test_connections")
	defer span.End()

	report := h.generationService.TestConnections(ctx)
	span.SetAttributes(attribute.Int("providers.connected", report.Connected), attribute.Int("providers.total", report.Total))

	status := http.StatusOK
	if report.Total > 0 && report.Connected == 0 {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// GetVersion returns build information
func (h *AdminHandler) GetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get(config.ServiceName))
}
