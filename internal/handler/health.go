package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	healthStatusOK       = "ok"
	healthStatusDegraded = "degraded"

	healthCheckTimeout = 3 * time.Second
)

// BackendChecker reports per-backend reachability.
type BackendChecker interface {
	BackendHealth(ctx context.Context) map[string]error
}

// HealthHandler reports whether the service and its generation backends are
// reachable. It always answers 200 so load balancers keep routing API reads
// while a backend is down.
type HealthHandler struct {
	info     fiber.Map
	backends BackendChecker
	redis    func(ctx context.Context) error
}

// NewHealthHandler builds the handler. info is reported verbatim under
// "services"; redis may be nil when no Redis is in play.
func NewHealthHandler(info fiber.Map, backends BackendChecker, redis func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{info: info, backends: backends, redis: redis}
}

// Check handles GET /health
// @Summary      Health check
// @Description  Reports "degraded" when a generation backend or Redis is unreachable
// @Tags         Health
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Router       /health [get]
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthCheckTimeout)
	defer cancel()

	status := healthStatusOK
	services := fiber.Map{}
	for k, v := range h.info {
		services[k] = v
	}

	backends := fiber.Map{}
	if h.backends != nil {
		for name, err := range h.backends.BackendHealth(ctx) {
			if err != nil {
				backends[name] = err.Error()
				status = healthStatusDegraded
				continue
			}
			backends[name] = healthStatusOK
		}
	}
	services["backends"] = backends

	if h.redis != nil {
		if err := h.redis(ctx); err != nil {
			services["redis"] = err.Error()
			status = healthStatusDegraded
		} else {
			services["redis"] = healthStatusOK
		}
	}

	return c.JSON(fiber.Map{
		"status":   status,
		"services": services,
	})
}
