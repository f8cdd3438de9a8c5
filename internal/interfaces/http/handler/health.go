package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pagemagic/meter/internal/interfaces/http/dto"
)

const healthPingTimeout = 2 * time.Second

// Pinger reports whether a dependency answers within ctx
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the liveness probe
type HealthHandler struct {
	service string
	version string
	db      Pinger
}

// NewHealthHandler creates a health handler. A nil db skips the database check.
func NewHealthHandler(service, version string, db Pinger) *HealthHandler {
	return &HealthHandler{service: service, version: version, db: db}
}

// Health handles GET /health: 200 when the usage store answers, 503 otherwise.
func (h *HealthHandler) Health(c *gin.Context) {
	resp := dto.HealthResponse{Status: "healthy", Service: h.service, Version: h.version}
	status := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, resp)
}
