package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pipeline_server/pkg/metrics"
)

// HealthHandler serves the compound health probe and the Prometheus
// exposition.
type HealthHandler struct {
	checker *metrics.HealthChecker
	hub     *metrics.Hub
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(checker *metrics.HealthChecker, hub *metrics.Hub) *HealthHandler {
	return &HealthHandler{checker: checker, hub: hub}
}

// Register mounts /health and /metrics.
func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/metrics", adaptor.HTTPHandler(
		promhttp.HandlerFor(h.hub.Registry(), promhttp.HandlerOpts{}),
	))
}

// Health runs the three probes. Degraded (LLM down, store+queue up)
// still answers 200: Phase 1 keeps working and load balancers should not
// pull the instance.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	snapshot := h.checker.Check(c.Context())

	code := fiber.StatusOK
	if snapshot.Status == metrics.HealthUnhealthy {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(snapshot)
}
