// Package ingest normalizes intake for batch loads and incremental
// pushes: every accepted record lands as a pending email with a chain
// assignment and a Phase 1 job.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/chain"
	"pipeline_server/pkg/apperr"
	"pipeline_server/pkg/logger"
	"pipeline_server/pkg/metrics"
	"pipeline_server/pkg/resilience"
)

// =============================================================================
// Normalized email record (wire shape)
// =============================================================================

// Party is a sender or recipient mailbox on the wire.
type Party struct {
	Address string `json:"address"`
	Display string `json:"display,omitempty"`
}

// Recipients groups the wire recipients by kind.
type Recipients struct {
	To  []Party `json:"to,omitempty"`
	Cc  []Party `json:"cc,omitempty"`
	Bcc []Party `json:"bcc,omitempty"`
}

// EmailRecord is the normalized ingest shape.
type EmailRecord struct {
	InternetMessageID string     `json:"internet_message_id"`
	Subject           string     `json:"subject"`
	Sender            Party      `json:"sender"`
	Recipients        Recipients `json:"recipients"`
	BodyText          string     `json:"body_text"`
	BodyPreview       string     `json:"body_preview,omitempty"`
	ReceivedAt        time.Time  `json:"received_at"`
	ConversationID    string     `json:"conversation_id,omitempty"`
	Importance        string     `json:"importance,omitempty"`
}

// Validate rejects malformed payloads before they touch the store.
func (r *EmailRecord) Validate() error {
	if strings.TrimSpace(r.InternetMessageID) == "" {
		return apperr.MissingField("internet_message_id")
	}
	if strings.TrimSpace(r.Sender.Address) == "" {
		return apperr.MissingField("sender.address")
	}
	if r.ReceivedAt.IsZero() {
		return apperr.MissingField("received_at")
	}
	switch r.Importance {
	case "", "low", "normal", "high", "urgent": // urgent: legacy sources
	default:
		return apperr.InvalidInput("importance", "must be low, normal, or high")
	}
	return nil
}

// AcceptResult reports one record's outcome.
type AcceptResult struct {
	ID      int64         `json:"id"`
	Status  domain.Status `json:"status"`
	Created bool          `json:"created"`
}

// BatchItemResult is one entry of a batch response.
type BatchItemResult struct {
	InternetMessageID string `json:"internet_message_id"`
	ID                int64  `json:"id,omitempty"`
	Status            string `json:"status,omitempty"`
	Created           bool   `json:"created"`
	Error             string `json:"error,omitempty"`
}

// =============================================================================
// Ingest service
// =============================================================================

// Service implements the ingest port.
//
// A circuit breaker fronts the store path: during an outage the process
// degrades to refusing new work fast instead of stacking timed-out
// writes.
type Service struct {
	emails   out.EmailRepository
	bodies   out.BodyStore
	queue    out.JobQueue
	analyzer *chain.Analyzer
	hub      *metrics.Hub
	breaker  *resilience.CircuitBreaker
	log      *logger.Logger
}

// NewService creates the ingest service.
func NewService(
	emails out.EmailRepository,
	bodies out.BodyStore,
	queue out.JobQueue,
	analyzer *chain.Analyzer,
	hub *metrics.Hub,
) *Service {
	return &Service{
		emails:   emails,
		bodies:   bodies,
		queue:    queue,
		analyzer: analyzer,
		hub:      hub,
		breaker:  resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("ingest-store")),
		log:      logger.WithField("component", "ingest"),
	}
}

// Accept ingests one record: idempotent on internet_message_id, so a
// duplicate neither creates a row nor re-enqueues work.
func (s *Service) Accept(ctx context.Context, record *EmailRecord) (*AcceptResult, error) {
	if err := record.Validate(); err != nil {
		return nil, err
	}

	email := s.toEmail(record)

	var id int64
	var created bool
	err := s.breaker.Execute(func() error {
		var upsertErr error
		id, created, upsertErr = s.emails.Upsert(ctx, email)
		return upsertErr
	})
	if err != nil {
		if err == resilience.ErrCircuitOpen || err == resilience.ErrTooManyRequest {
			return nil, apperr.StoreUnavailable(err)
		}
		return nil, err
	}
	if !created {
		existing, err := s.emails.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return &AcceptResult{ID: id, Status: existing.Status, Created: false}, nil
	}

	if record.BodyText != "" {
		if err := s.bodies.Put(ctx, id, record.BodyText); err != nil {
			s.log.WithError(err).Warn("body store write failed for email %d; preview only", id)
		}
	}

	assigned, err := s.analyzer.Assign(ctx, email)
	if err != nil {
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, &domain.Job{
		Phase:          domain.Phase1,
		EmailIDs:       []int64{id},
		Priority:       s.initialPriority(record, assigned),
		IdempotencyKey: fmt.Sprintf("phase1:%s", record.InternetMessageID),
	}); err != nil {
		return nil, err
	}

	if s.hub != nil {
		s.hub.EmailIngested()
	}

	return &AcceptResult{ID: id, Status: domain.StatusPending, Created: true}, nil
}

// AcceptBatch ingests a sequence of records, reporting per-item results.
// Input errors stay per-item; infrastructure errors abort the batch.
func (s *Service) AcceptBatch(ctx context.Context, records []*EmailRecord) ([]BatchItemResult, error) {
	results := make([]BatchItemResult, 0, len(records))

	for _, record := range records {
		item := BatchItemResult{InternetMessageID: record.InternetMessageID}

		accepted, err := s.Accept(ctx, record)
		if err != nil {
			if apperr.IsCode(err, apperr.CodeStoreUnavailable) || apperr.IsCode(err, apperr.CodeQueueUnavailable) {
				return results, err
			}
			item.Error = err.Error()
			results = append(results, item)
			continue
		}

		item.ID = accepted.ID
		item.Status = string(accepted.Status)
		item.Created = accepted.Created
		results = append(results, item)
	}

	return results, nil
}

// Reprocess enqueues an email at the requested phase. Phase ordering is
// validated here: skipping ahead of persisted results is refused.
func (s *Service) Reprocess(ctx context.Context, emailID int64, fromPhase domain.Phase) error {
	if !fromPhase.Valid() {
		return apperr.InvalidInput("from_phase", "must be 1, 2, or 3")
	}

	email, err := s.emails.GetByID(ctx, emailID)
	if err != nil {
		return err
	}

	if fromPhase >= domain.Phase2 && email.PhaseCompleted < 1 {
		return apperr.Conflict("phase 1 has not completed for this email")
	}
	if fromPhase == domain.Phase3 && email.PhaseCompleted < 2 {
		return apperr.Conflict("phase 2 has not completed for this email")
	}

	priority := domain.PriorityHigh
	if email.Phase1Result != nil && email.Phase1Result.Priority == domain.PriorityCritical {
		priority = domain.PriorityCritical
	}

	// A fresh key per request: reprocessing is an explicit operator
	// action, never deduped against pipeline-driven enqueues.
	_, err = s.queue.Enqueue(ctx, &domain.Job{
		Phase:          fromPhase,
		EmailIDs:       []int64{emailID},
		Priority:       priority,
		IdempotencyKey: fmt.Sprintf("reprocess:%d:%d:%d", fromPhase, emailID, time.Now().UnixNano()),
	})
	return err
}

// Backfill enqueues Phase 1 jobs for pending emails, oldest first, in
// batches; it does not check whether an email already has a queued
// Phase 1 job. Resumable: repeated runs dedup on the backfill key and
// idempotent workers make overlap with live ingest harmless.
func (s *Service) Backfill(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}

	pending, err := s.emails.ListForProcessing(ctx, domain.StatusPending, domain.Phase1, limit)
	if err != nil {
		return 0, err
	}

	const batchSize = 50
	enqueued := 0
	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}

		ids := make([]int64, 0, end-start)
		for _, e := range pending[start:end] {
			ids = append(ids, e.ID)
		}

		ok, err := s.queue.Enqueue(ctx, &domain.Job{
			Phase:          domain.Phase1,
			EmailIDs:       ids,
			Priority:       domain.PriorityLow,
			IdempotencyKey: fmt.Sprintf("backfill:phase1:%d:%d", ids[0], ids[len(ids)-1]),
		})
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued += len(ids)
		}
	}

	s.log.Info("backfill enqueued %d of %d pending emails", enqueued, len(pending))
	return enqueued, nil
}

// Archive applies the retention sweep.
func (s *Service) Archive(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.emails.ArchiveOlderThan(ctx, time.Now().UTC().Add(-olderThan))
}

func (s *Service) toEmail(record *EmailRecord) *domain.Email {
	preview := record.BodyPreview
	if preview == "" {
		preview = record.BodyText
	}
	preview = domain.PreviewOf(preview)

	// Legacy 5-level sources send "urgent"; it maps onto high importance.
	importance := record.Importance
	if importance == "urgent" {
		importance = "high"
	}

	email := &domain.Email{
		InternetMessageID: record.InternetMessageID,
		Subject:           record.Subject,
		Sender:            domain.Address{Address: record.Sender.Address, Display: record.Sender.Display},
		BodyText:          record.BodyText,
		BodyPreview:       preview,
		ReceivedAt:        record.ReceivedAt.UTC(),
		ConversationID:    record.ConversationID,
		Importance:        importance,
		Status:            domain.StatusPending,
		RecommendedPhase:  1,
	}

	appendRecipients := func(kind domain.RecipientKind, parties []Party) {
		for _, p := range parties {
			email.Recipients = append(email.Recipients, domain.Recipient{
				Kind:    kind,
				Address: p.Address,
				Display: p.Display,
			})
		}
	}
	appendRecipients(domain.RecipientTo, record.Recipients.To)
	appendRecipients(domain.RecipientCc, record.Recipients.Cc)
	appendRecipients(domain.RecipientBcc, record.Recipients.Bcc)

	return email
}

// initialPriority derives the Phase 1 job priority: chains with partial
// prior analysis jump the line, as do high-importance pushes; a legacy
// "urgent" importance gets critical.
func (s *Service) initialPriority(record *EmailRecord, assigned *domain.Chain) domain.JobPriority {
	priority := domain.PriorityMedium
	switch record.Importance {
	case "urgent":
		priority = domain.PriorityCritical
	case "high":
		priority = domain.PriorityHigh
	}
	if assigned != nil && assigned.RecommendedPhase >= 2 && priority.Rank() > domain.PriorityHigh.Rank() {
		priority = domain.PriorityHigh
	}
	return priority
}
