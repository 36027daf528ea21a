package handlers

import (
	"net/http"
	"time"

	"lessongen/internal/config"
	"lessongen/internal/middleware"
	"lessongen/internal/observability"
	"lessongen/internal/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
)

// NewRouter creates and configures a new Gin router with all routes
func NewRouter(
	cfg *config.Config,
	generationService services.GenerationServiceInterface,
	schemas *middleware.SchemaLoader,
	logger *observability.Logger,
) *gin.Engine {
	// Setup Gin mode
	gin.SetMode(gin.ReleaseMode)
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(middleware.ErrorRecoveryMiddleware(logger))

	// Structured request logging, severity follows the status code
	router.Use(func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		fields := map[string]interface{}{
			"http.method":      c.Request.Method,
			"http.path":        c.Request.URL.Path,
			"http.status_code": statusCode,
			"http.latency_ms":  latency.Milliseconds(),
			"http.client_ip":   c.ClientIP(),
			"http.user_agent":  c.Request.UserAgent(),
		}
		if len(c.Errors) > 0 {
			fields["http.error"] = c.Errors.String()
		}
		if retryAfter := c.Writer.Header().Get("Retry-After"); retryAfter != "" {
			fields["http.retry_after"] = retryAfter
		}

		if statusCode >= 500 {
			logger.Error(c.Request.Context(), "HTTP request failed", nil, fields)
		} else if statusCode >= 400 {
			logger.Warn(c.Request.Context(), "HTTP request warning", fields)
		} else {
			logger.Info(c.Request.Context(), "HTTP request", fields)
		}
	})

	// Health check stays outside tracing and CORS
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": config.ServiceName})
	})

	router.Use(observability.GinMiddleware(config.ServiceName))
	router.Use(observability.ErrorSpanMiddleware())

	router.RedirectTrailingSlash = false

	corsConfig := cors.DefaultConfig()
	if len(cfg.Server.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.Server.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", middleware.AdminTokenHeader}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.ExposeHeaders = []string{"Retry-After"}
	router.Use(cors.New(corsConfig))

	secureConfig := secure.DefaultConfig()
	secureConfig.SSLRedirect = false
	secureConfig.IsDevelopment = cfg.Server.Debug
	secureConfig.ContentSecurityPolicy = config.DefaultCSP
	router.Use(secure.New(secureConfig))

	generationHandler := NewGenerationHandler(generationService, logger)
	adminHandler := NewAdminHandler(generationService, logger)

	router.GET("/version", adminHandler.GetVersion)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/lessons/generate",
			middleware.RequestValidationMiddleware(schemas, middleware.SchemaGenerationRequest, logger),
			generationHandler.GenerateLesson)
		v1.GET("/lessons/:id", generationHandler.GetLesson)
		v1.POST("/lessons/:id/score",
			middleware.RequestValidationMiddleware(schemas, middleware.SchemaScoreRequest, logger),
			generationHandler.RecordScore)
		v1.GET("/topics", generationHandler.ListTopics)
		v1.GET("/users/:id/progress", middleware.UserContext("id"), generationHandler.GetProgress)

		admin := v1.Group("/admin")
		admin.Use(middleware.RequireAdminToken(cfg.Server.AdminToken))
		{
			admin.GET("/stats", adminHandler.GetStats)
			admin.POST("/users/:id/clear", middleware.UserContext("id"), adminHandler.ClearUser)
			admin.POST("/clear-all", adminHandler.ClearAll)
			admin.POST("/distribution-test",
				middleware.RequestValidationMiddleware(schemas, middleware.SchemaDistributionTestRequest, logger),
				adminHandler.DistributionTest)
			admin.POST("/test-connections", adminHandler.TestConnections)
		}
	}

	return router
}
