package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/pitchlab/pitchlab/internal/api/handlers"
)

type Deps struct {
	Session *handlers.SessionHandler
	Stream  *handlers.StreamHandler
	Health  *handlers.HealthHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/health", d.Health.Health)
	r.GET("/stats", d.Health.Stats)

	api := r.Group("/api")

	api.POST("/sessions", d.Session.Create)
	api.GET("/sessions/:session_id", d.Session.Get)
	api.POST("/sessions/:session_id/recording", d.Session.StartRecording)
	api.POST("/sessions/:session_id/audio", d.Session.Upload)
	api.GET("/sessions/:session_id/status", d.Session.Status)
	api.GET("/sessions/:session_id/results", d.Session.Results)
	api.GET("/sessions/:session_id/operations", d.Session.Operations)
	api.POST("/sessions/:session_id/retry", d.Session.Retry)
	api.DELETE("/sessions/:session_id", d.Session.Delete)

	// Live progress stream, SSE or WebSocket.
	api.GET("/sessions/:session_id/events", d.Stream.Events)
	r.GET("/ws/sessions/:session_id", d.Stream.Attach)
}
