package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"lessongen/internal/models"
	"lessongen/internal/observability"
	"lessongen/internal/services"
	contextutils "lessongen/internal/utils"

	"github.com/gin-gonic/gin"
)

// ScoreRequest is the body of a lesson score submission
type ScoreRequest struct {
	UserID string  `json:"user_id" binding:"required"`
	Score  float64 `json:"score" binding:"min=0,max=100"`
}

// GenerationHandler serves lesson generation and the learner-facing read endpoints
type GenerationHandler struct {
	generationService services.GenerationServiceInterface
	logger            *observability.Logger
	now               func() time.Time
}

// NewGenerationHandler creates a new GenerationHandler
func NewGenerationHandler(generationService services.GenerationServiceInterface, logger *observability.Logger) *GenerationHandler {
	return &GenerationHandler{
		generationService: generationService,
		logger:            logger,
		now:               time.Now,
	}
}

// GenerateLesson runs one lesson generation and returns its structured result
func (h *GenerationHandler) GenerateLesson(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "generate_lesson")
	defer span.End()

	var req models.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleValidationError(c, "request", "body", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.RequestedAt.IsZero() {
		req.RequestedAt = h.now()
	}
	span.SetAttributes(observability.AttributeUserID(req.UserID), observability.AttributeTopicID(req.TopicID))
	ctx = contextutils.WithUserID(ctx, req.UserID)

	result := h.generationService.GenerateLesson(ctx, req)
	if result != nil && !result.Success {
		h.logger.Warn(ctx, "Lesson generation did not succeed", map[string]interface{}{
			"user_id": req.UserID,
			"result":  result.String(),
		})
	}
	WriteGenerationResult(c, result)
}

// GetLesson returns a stored lesson with its questions
func (h *GenerationHandler) GetLesson(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_lesson")
	defer span.End()

	lessonID := c.Param("id")
	lesson, err := h.generationService.GetLesson(ctx, lessonID)
	if err != nil {
		HandleAppError(c, contextutils.WrapErrorf(err, "failed to load lesson %s", lessonID))
		return
	}
	c.JSON(http.StatusOK, lesson)
}

// RecordScore stores the score of a completed lesson
func (h *GenerationHandler) RecordScore(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "record_score")
	defer span.End()

	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleValidationError(c, "score", "body", err.Error())
		return
	}

	score := &models.ScoreRecord{
		UserID:      strings.TrimSpace(req.UserID),
		LessonID:    c.Param("id"),
		Score:       req.Score,
		CompletedAt: h.now(),
	}
	if err := h.generationService.RecordScore(ctx, score); err != nil {
		HandleAppError(c, contextutils.WrapError(err, "failed to record score"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Score recorded", "score": score})
}

// ListTopics returns the topics lessons can be generated for
func (h *GenerationHandler) ListTopics(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "list_topics")
	defer span.End()

	topics, err := h.generationService.Topics(ctx)
	if err != nil {
		HandleAppError(c, contextutils.WrapError(err, "failed to list topics"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}

// GetProgress returns the difficulty and topic recommendation for a user.
// An optional ?difficulty= sets the base level the recommendation moves from.
func (h *GenerationHandler) GetProgress(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_progress")
	defer span.End()

	base := 0
	if raw := c.Query("difficulty"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < models.MinDifficulty || d > models.MaxDifficulty {
			HandleValidationError(c, "difficulty", raw, "must be an integer between 1 and 5")
			return
		}
		base = d
	}

	analysis, err := h.generationService.AnalyzeProgress(ctx, c.Param("id"), base)
	if err != nil {
		HandleAppError(c, contextutils.WrapError(err, "failed to analyze progress"))
		return
	}
	c.JSON(http.StatusOK, analysis)
}
