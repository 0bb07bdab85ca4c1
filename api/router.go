// api/router.go
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/devadigapratham/spoolshare/api/handlers"
	"github.com/devadigapratham/spoolshare/metrics"
)

// SetupRouter sets up the API routes
func SetupRouter(handler *handlers.Handler) *gin.Engine {
	router := gin.Default()

	// Writes only on the leader
	router.Use(handler.RaftLeaderMiddleware())

	api := router.Group("/api/v1", handler.AuthMiddleware())
	{
		// Filament endpoints
		api.POST("/filaments", handler.CreateFilament)
		api.GET("/filaments", handler.GetFilaments)
		api.GET("/filaments/stream", handler.StreamFilaments)
		api.GET("/filaments/:id", handler.GetFilament)
		api.PUT("/filaments/:id", handler.UpdateFilament)
		api.DELETE("/filaments/:id", handler.DeleteFilament)
		api.PATCH("/filaments/:id/weight", handler.UpdateFilamentWeight)
		api.PATCH("/filaments/:id/nfc", handler.UpdateFilamentNfc)

		// Session endpoints
		api.POST("/sessions", handler.CreateSession)
		api.GET("/sessions", handler.GetUserSessions)
		api.GET("/sessions/stream", handler.StreamSessions)
		api.POST("/sessions/join", handler.JoinSession)
		api.GET("/sessions/:id", handler.GetSession)
		api.GET("/sessions/:id/stream", handler.StreamSession)
		api.POST("/sessions/:id/leave", handler.LeaveSession)
		api.GET("/sessions/:id/filaments", handler.GetSessionFilaments)
		api.POST("/sessions/:id/filaments", handler.AddSessionFilament)
		api.DELETE("/sessions/:id/filaments/:filamentId", handler.RemoveSessionFilament)
		api.PATCH("/sessions/:id/filaments/:filamentId/weight", handler.UpdateSessionFilamentWeight)

		// Print job endpoints
		api.POST("/sessions/:id/print_jobs", handler.CreatePrintJob)
		api.GET("/sessions/:id/print_jobs", handler.GetPrintJobs)
		api.POST("/sessions/:id/print_jobs/:jobId/status", handler.UpdatePrintJobStatus)
	}

	router.GET("/status", handler.Status)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router
}
