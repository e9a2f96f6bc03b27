package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/timmy/harvest/internal/action"
	"github.com/timmy/harvest/internal/api/handler"
	"github.com/timmy/harvest/internal/api/middleware"
	"github.com/timmy/harvest/internal/config"
	"github.com/timmy/harvest/internal/logger"
)

// SetupRouter configures the Gin router with the action routes.
// Parameters:
//   - actions: harvest action set.
//   - ping: database health check; nil skips it.
//   - cfg: server settings (mode, CORS origins, admin token).
//   - log: base request logger.
// Returns:
//   - *gin.Engine: configured router.
func SetupRouter(
	actions *action.Actions,
	ping func(ctx context.Context) error,
	cfg *config.ServerConfig,
	log *logger.Logger,
) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins}))

	healthHandler := handler.NewHealthHandler(ping)
	harvestHandler := handler.NewHarvestHandler(actions)

	r.GET("/health", healthHandler.Health)

	// Action API, laid out like the host catalog's /api/3/action routes
	v3 := r.Group("/api/3/action")
	{
		v3.GET("/harvest_source_show", harvestHandler.SourceShow)
		v3.GET("/harvest_source_list", harvestHandler.SourceList)
		v3.GET("/harvesters_info_show", harvestHandler.Types)
		v3.GET("/harvest_job_show", harvestHandler.JobShow)
		v3.GET("/harvest_job_list", harvestHandler.JobList)
		v3.GET("/harvest_object_show", harvestHandler.ObjectShow)

		admin := v3.Group("", middleware.AdminAuth(cfg.AdminToken))
		admin.POST("/harvest_source_create", harvestHandler.SourceCreate)
		admin.POST("/harvest_source_update", harvestHandler.SourceUpdate)
		admin.POST("/harvest_source_delete", harvestHandler.SourceDelete)
		admin.POST("/harvest_job_create", harvestHandler.JobCreate)
		admin.POST("/harvest_job_create_all", harvestHandler.JobCreateAll)
		admin.POST("/harvest_jobs_run", harvestHandler.JobsRun)
		admin.POST("/harvest_job_abort", harvestHandler.JobAbort)
		admin.POST("/harvest_objects_import", harvestHandler.ObjectsImport)
		admin.POST("/harvest_object_create", harvestHandler.ObjectCreate)
	}

	return r
}
