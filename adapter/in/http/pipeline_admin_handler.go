package http

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"pipeline_server/adapter/out/messaging"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/ingest"
	"pipeline_server/pkg/apperr"
	"pipeline_server/pkg/metrics"
	"pipeline_server/pkg/response"
)

// AdminHandler exposes the queue admin operations and the retention
// sweep. Mounted under /admin; access control is a deployment concern
// (reverse proxy), not application code.
type AdminHandler struct {
	queue   out.JobQueue
	service *ingest.Service
	hub     *metrics.Hub
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(queue out.JobQueue, service *ingest.Service, hub *metrics.Hub) *AdminHandler {
	return &AdminHandler{queue: queue, service: service, hub: hub}
}

// Register mounts the admin routes.
func (h *AdminHandler) Register(app *fiber.App) {
	admin := app.Group("/admin")
	admin.Get("/queues", h.Queues)
	admin.Get("/queues/:stream/peek", h.Peek)
	admin.Post("/queues/:stream/pause", h.Pause)
	admin.Post("/queues/:stream/resume", h.Resume)
	admin.Post("/queues/:stream/drain", h.Drain)
	admin.Get("/dls", h.ListDead)
	admin.Post("/dls/:job_id/requeue", h.RequeueDead)
	admin.Post("/archive", h.Archive)
	admin.Post("/backfill", h.Backfill)
	admin.Get("/stats", h.Stats)
}

func validStream(stream string) bool {
	for _, s := range messaging.Streams {
		if s == stream {
			return true
		}
	}
	return false
}

// Queues snapshots all stream depths.
func (h *AdminHandler) Queues(c *fiber.Ctx) error {
	stats := make(map[string]*out.QueueStats, len(messaging.Streams))
	for _, stream := range messaging.Streams {
		s, err := h.queue.Stats(c.Context(), stream)
		if err != nil {
			return response.Error(c, err)
		}
		stats[stream] = s
	}
	return response.OK(c, stats)
}

// Peek lists ready jobs without leasing them.
func (h *AdminHandler) Peek(c *fiber.Ctx) error {
	stream := c.Params("stream")
	if !validStream(stream) {
		return response.Error(c, apperr.InvalidInput("stream", "unknown stream"))
	}

	jobs, err := h.queue.Peek(c.Context(), stream, c.QueryInt("limit", 10))
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, jobs)
}

// Pause stops delivery on a stream.
func (h *AdminHandler) Pause(c *fiber.Ctx) error {
	stream := c.Params("stream")
	if !validStream(stream) {
		return response.Error(c, apperr.InvalidInput("stream", "unknown stream"))
	}
	if err := h.queue.Pause(c.Context(), stream); err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, fiber.Map{"stream": stream, "paused": true})
}

// Resume re-enables delivery on a stream.
func (h *AdminHandler) Resume(c *fiber.Ctx) error {
	stream := c.Params("stream")
	if !validStream(stream) {
		return response.Error(c, apperr.InvalidInput("stream", "unknown stream"))
	}
	if err := h.queue.Resume(c.Context(), stream); err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, fiber.Map{"stream": stream, "paused": false})
}

// Drain removes all queued jobs from a stream.
func (h *AdminHandler) Drain(c *fiber.Ctx) error {
	stream := c.Params("stream")
	if !validStream(stream) {
		return response.Error(c, apperr.InvalidInput("stream", "unknown stream"))
	}
	drained, err := h.queue.Drain(c.Context(), stream)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, fiber.Map{"stream": stream, "drained": drained})
}

// ListDead lists dead-lettered jobs with their failure context.
func (h *AdminHandler) ListDead(c *fiber.Ctx) error {
	dead, err := h.queue.ListDead(c.Context(), c.QueryInt("limit", 50))
	if err != nil {
		return response.Error(c, err)
	}
	return response.OKWithMeta(c, dead, &response.Meta{Total: len(dead)})
}

// RequeueDead moves one dead job back to its stream.
func (h *AdminHandler) RequeueDead(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	ok, err := h.queue.RequeueDead(c.Context(), jobID)
	if err != nil {
		return response.Error(c, err)
	}
	if !ok {
		return response.Error(c, apperr.NotFound("dead job"))
	}
	return response.OK(c, fiber.Map{"job_id": jobID, "requeued": true})
}

// Backfill re-enqueues pending emails in batches (crash recovery and
// initial corpus loads).
func (h *AdminHandler) Backfill(c *fiber.Ctx) error {
	enqueued, err := h.service.Backfill(c.Context(), c.QueryInt("limit", 1000))
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, fiber.Map{"enqueued": enqueued})
}

// Stats returns per-phase latency percentiles.
func (h *AdminHandler) Stats(c *fiber.Ctx) error {
	return response.OK(c, h.hub.PhaseLatencyStats())
}

// Archive sweeps emails older than the given horizon into archived.
func (h *AdminHandler) Archive(c *fiber.Ctx) error {
	days := c.QueryInt("older_than_days", 365)
	if days <= 0 {
		return response.Error(c, apperr.InvalidInput("older_than_days", "must be positive"))
	}

	archived, err := h.service.Archive(c.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, fiber.Map{"archived": archived})
}
