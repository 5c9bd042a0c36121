package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(deps.Ping))

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.StartJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.GET("/:job_id/errors", jobHandler.GetJobErrors)
			jobs.POST("/:job_id/pause", jobHandler.PauseJob)
			jobs.POST("/:job_id/resume", jobHandler.ResumeJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		types := v1.Group("/job-types")
		{
			types.GET("", jobHandler.JobTypes)
			types.GET("/:job_type/active", jobHandler.ActiveJob)
			types.GET("/:job_type/latest", jobHandler.LatestJob)
		}
	}

	return r
}

func healthHandler(ping func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "ingest-api",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "ingest-api",
		})
	}
}
