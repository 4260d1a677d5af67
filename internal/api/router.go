package api

import (
	"github.com/docflowai/docqueue/internal/api/handler"
	"github.com/docflowai/docqueue/internal/api/middleware"
	"github.com/docflowai/docqueue/internal/config"
	"github.com/docflowai/docqueue/internal/logger"
	"github.com/docflowai/docqueue/internal/repository"
	"github.com/docflowai/docqueue/internal/service"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	submitService *service.SubmitService,
	immediateService *service.Immediate,
	jobRepo *repository.JobRepository,
	cfg *config.Config,
	log *logger.Logger,
) *gin.Engine {
	// Set Gin mode
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	}))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	jobHandler := handler.NewJobHandler(submitService, immediateService, jobRepo, cfg.JobQueue.RetryAfterSeconds)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Jobs
		v1.POST("/jobs", jobHandler.Submit)
		v1.GET("/jobs", jobHandler.List)
		v1.GET("/jobs/:id", jobHandler.Get)
		v1.GET("/jobs/:id/files/:file", jobHandler.File)
		v1.DELETE("/jobs/:id", jobHandler.Cancel)
	}

	return r
}
