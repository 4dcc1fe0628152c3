// Package health exposes Kubernetes-style liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/arenalab/arena/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger verifies connectivity to a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the health endpoints. presence is nil in
// single-process mode, in which case the check always passes.
type Handler struct {
	presence Pinger
}

func NewHandler(presence Pinger) *Handler {
	return &Handler{presence: presence}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 whenever the process
// is alive; no dependencies are checked.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when every
// critical dependency is reachable, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"presence": h.checkPresence(ctx),
	}

	status := "ready"
	statusCode := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkPresence(ctx context.Context) string {
	if h.presence == nil {
		return "healthy"
	}
	if err := h.presence.Ping(ctx); err != nil {
		logging.Error(ctx, "Presence health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
