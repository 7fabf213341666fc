package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pitchlab/pitchlab/internal/broadcast"
	"github.com/pitchlab/pitchlab/internal/providers/ml"
)

type HealthHandler struct {
	provider ml.Provider
	hub      *broadcast.Hub
}

func NewHealthHandler(provider ml.Provider, hub *broadcast.Hub) *HealthHandler {
	return &HealthHandler{provider: provider, hub: hub}
}

// Health reports liveness plus an advisory ML reachability flag. The
// API stays "ok" even when the ML service is down; uploads still
// accept and fail per stage.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"ml_reachable": h.provider.HealthCheck(c.Request.Context()),
	})
}

func (h *HealthHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"broadcast": h.hub.Stats()})
}
