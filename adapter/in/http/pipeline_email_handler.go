package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/chain"
	"pipeline_server/core/service/ingest"
	"pipeline_server/pkg/apperr"
	"pipeline_server/pkg/response"
)

// EmailHandler serves the dashboard read paths and the reprocess action.
type EmailHandler struct {
	emails    out.EmailRepository
	bodies    out.BodyStore
	chainRepo chain.ChainStore
	service   *ingest.Service
}

// NewEmailHandler creates the email handler.
func NewEmailHandler(emails out.EmailRepository, bodies out.BodyStore, chainRepo chain.ChainStore, service *ingest.Service) *EmailHandler {
	return &EmailHandler{
		emails:    emails,
		bodies:    bodies,
		chainRepo: chainRepo,
		service:   service,
	}
}

// Register mounts the email routes.
func (h *EmailHandler) Register(app *fiber.App) {
	app.Get("/emails", h.List)
	app.Get("/emails/:id", h.Get)
	app.Post("/emails/:id/reprocess", h.Reprocess)
	app.Get("/chains/:id", h.GetChain)
}

// emailView is the dashboard projection of a row: internal status plus
// its UI projection.
type emailView struct {
	*domain.Email
	UIStatus domain.UIStatus `json:"ui_status"`
}

func viewOf(email *domain.Email) emailView {
	return emailView{Email: email, UIStatus: domain.UIStatusOf(email.Status)}
}

// List pages emails newest-first. Dashboard reads never touch the model
// runtime.
func (h *EmailHandler) List(c *fiber.Ctx) error {
	status := domain.Status(c.Query("status"))
	limit := c.QueryInt("limit", 50)
	cursor := c.Query("cursor")

	page, err := h.emails.List(c.Context(), status, limit, cursor)
	if err != nil {
		return response.Error(c, err)
	}

	views := make([]emailView, 0, len(page.Emails))
	for _, e := range page.Emails {
		views = append(views, viewOf(e))
	}

	return response.OKWithMeta(c, views, &response.Meta{
		Total:   len(views),
		Limit:   limit,
		HasMore: page.HasMore,
		Cursor:  page.NextCursor,
	})
}

// Get returns the full record including analyses and body text.
func (h *EmailHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return response.Error(c, apperr.InvalidInput("id", "must be an integer"))
	}

	email, err := h.emails.GetByID(c.Context(), id)
	if err != nil {
		return response.Error(c, err)
	}

	if body, err := h.bodies.Get(c.Context(), id); err == nil {
		email.BodyText = body
	}

	return response.OK(c, viewOf(email))
}

// Reprocess enqueues the email at the requested phase. The call returns
// immediately; progress is observable via the email's status.
func (h *EmailHandler) Reprocess(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return response.Error(c, apperr.InvalidInput("id", "must be an integer"))
	}

	fromPhase := domain.Phase(c.QueryInt("from_phase", 1))
	if err := h.service.Reprocess(c.Context(), id, fromPhase); err != nil {
		return response.Error(c, err)
	}

	return response.Accepted(c, fiber.Map{
		"id":         id,
		"from_phase": int(fromPhase),
	})
}

// GetChain returns a chain's rollup with its member emails.
func (h *EmailHandler) GetChain(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return response.Error(c, apperr.InvalidInput("id", "must be an integer"))
	}

	rollup, err := h.chainRepo.GetByID(c.Context(), id)
	if err != nil {
		return response.Error(c, err)
	}
	if rollup == nil {
		return response.Error(c, apperr.NotFound("chain"))
	}

	members, err := h.emails.ListByChain(c.Context(), id)
	if err != nil {
		return response.Error(c, err)
	}

	views := make([]emailView, 0, len(members))
	for _, e := range members {
		views = append(views, viewOf(e))
	}

	return response.OK(c, fiber.Map{
		"chain":  rollup,
		"emails": views,
	})
}
