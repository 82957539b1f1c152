package handlers

import (
	"github.com/gin-gonic/gin"
)

// QueueStats reports coordinator load
type QueueStats interface {
	QueueDepth() int
	Running() int
}

// HealthHandler reports liveness
type HealthHandler struct {
	queue   QueueStats
	version string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(queue QueueStats, version string) *HealthHandler {
	return &HealthHandler{queue: queue, version: version}
}

// Health reports process liveness and queue load
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status":  "ok",
		"version": h.version,
	}
	if h.queue != nil {
		resp["queued"] = h.queue.QueueDepth()
		resp["running"] = h.queue.Running()
	}
	RespondSuccess(c, resp)
}
