// Package http wires the thin API surface over the pipeline services.
package http

import (
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"pipeline_server/core/service/ingest"
	"pipeline_server/pkg/apperr"
	"pipeline_server/pkg/response"
)

// IngestHandler exposes the ingest port.
type IngestHandler struct {
	service *ingest.Service
}

// NewIngestHandler creates the ingest handler.
func NewIngestHandler(service *ingest.Service) *IngestHandler {
	return &IngestHandler{service: service}
}

// Register mounts the ingest routes.
func (h *IngestHandler) Register(app *fiber.App) {
	app.Post("/ingest", h.Ingest)
	app.Post("/ingest/batch", h.IngestBatch)
}

// Ingest accepts one normalized email record.
func (h *IngestHandler) Ingest(c *fiber.Ctx) error {
	var record ingest.EmailRecord
	if err := json.Unmarshal(c.Body(), &record); err != nil {
		return response.Error(c, apperr.BadRequest("malformed JSON body"))
	}

	result, err := h.service.Accept(c.Context(), &record)
	if err != nil {
		return response.Error(c, err)
	}

	if result.Created {
		return response.Created(c, fiber.Map{
			"id":     result.ID,
			"status": result.Status,
		})
	}
	return response.OK(c, fiber.Map{
		"id":     result.ID,
		"status": result.Status,
	})
}

// IngestBatch accepts an array of records with per-item results.
func (h *IngestHandler) IngestBatch(c *fiber.Ctx) error {
	var records []*ingest.EmailRecord
	if err := json.Unmarshal(c.Body(), &records); err != nil {
		return response.Error(c, apperr.BadRequest("malformed JSON body: expected an array of email records"))
	}
	if len(records) == 0 {
		return response.Error(c, apperr.BadRequest("empty batch"))
	}

	results, err := h.service.AcceptBatch(c.Context(), records)
	if err != nil {
		return response.Error(c, err)
	}

	return response.OKWithMeta(c, results, &response.Meta{Total: len(results)})
}
