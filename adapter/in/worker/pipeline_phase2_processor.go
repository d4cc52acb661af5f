package worker

import (
	"context"
	"fmt"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/analysis"
	"pipeline_server/core/service/chain"
	"pipeline_server/pkg/apperr"
	"pipeline_server/pkg/logger"
	"pipeline_server/pkg/metrics"
)

// Phase2Processor runs the mid-tier enhancement for a job's emails.
type Phase2Processor struct {
	emails   out.EmailRepository
	bodies   out.BodyStore
	queue    out.JobQueue
	analyzer *analysis.Phase2Analyzer
	chains   *chain.Analyzer
	hub      *metrics.Hub
	log      *logger.Logger
}

// NewPhase2Processor creates the Phase 2 processor.
func NewPhase2Processor(
	emails out.EmailRepository,
	bodies out.BodyStore,
	queue out.JobQueue,
	analyzer *analysis.Phase2Analyzer,
	chains *chain.Analyzer,
	hub *metrics.Hub,
) *Phase2Processor {
	return &Phase2Processor{
		emails:   emails,
		bodies:   bodies,
		queue:    queue,
		analyzer: analyzer,
		chains:   chains,
		hub:      hub,
		log:      logger.WithField("component", "phase2_processor"),
	}
}

// Process enhances every email in the job.
func (p *Phase2Processor) Process(ctx context.Context, job *domain.Job) error {
	for _, emailID := range job.EmailIDs {
		if err := p.processEmail(ctx, emailID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Phase2Processor) processEmail(ctx context.Context, emailID int64) error {
	start := time.Now()

	email, err := p.emails.GetByID(ctx, emailID)
	if err != nil {
		return err
	}

	// Phase ordering: Phase 1 must have persisted first. A job that
	// arrived early (queue replay) nacks and retries after backoff.
	if email.PhaseCompleted < 1 || email.Phase1Result == nil {
		return apperr.Conflict(fmt.Sprintf("email %d has no phase 1 result yet", emailID))
	}
	if email.PhaseCompleted >= 2 {
		return p.advance(ctx, email)
	}

	body, err := p.bodies.Get(ctx, emailID)
	if err == nil {
		email.BodyText = body
	} else if !apperr.IsCode(err, apperr.CodeNotFound) {
		return err
	} else {
		email.BodyText = email.BodyPreview
	}

	siblings, err := p.siblingContext(ctx, email)
	if err != nil {
		return err
	}

	fromStatus := email.Status // phase1_complete or phase2_failed (retry)

	result, meta, err := p.analyzer.Analyze(ctx, email, email.Phase1Result, siblings)
	if err != nil {
		// Transient errors nack the job and record the failure status.
		// An open circuit is backpressure, not an email failure, so the
		// row keeps its status while the job waits out the cooldown.
		if !apperr.IsCode(err, apperr.CodeCircuitOpen) {
			p.markFailed(ctx, email, fromStatus, err)
			if p.hub != nil {
				p.hub.PhaseFailed(2)
			}
		}
		return err
	}

	if err := p.emails.AppendPhaseResult(ctx, &out.PhaseResultRecord{
		EmailID:          emailID,
		Phase:            domain.Phase2,
		Result:           result,
		Confidence:       result.Confidence,
		TokensUsed:       meta.TokensUsed,
		ModelUsed:        meta.Model,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}); err != nil {
		return err
	}

	if err := transitionWithRetry(ctx, p.emails, emailID, fromStatus, domain.StatusPhase2Complete, nil); err != nil {
		return err
	}

	email.Phase2Result = result
	email.PhaseCompleted = 2
	email.Status = domain.StatusPhase2Complete

	if p.hub != nil {
		p.hub.PhaseCompleted(2)
		p.hub.ObservePhaseDuration(2, time.Since(start).Seconds())
	}

	return p.advance(ctx, email)
}

// siblingContext collects compact summaries of every other email in the
// chain for the prompt; BuildPhase2Prompt keeps only the last maxSiblings.
func (p *Phase2Processor) siblingContext(ctx context.Context, email *domain.Email) ([]analysis.SiblingSummary, error) {
	if email.ChainID == nil {
		return nil, nil
	}

	members, err := p.emails.ListByChain(ctx, *email.ChainID)
	if err != nil {
		return nil, err
	}

	var siblings []analysis.SiblingSummary
	for _, m := range members {
		if m.ID == email.ID {
			continue
		}
		category := domain.WorkflowGeneral
		if m.Phase1Result != nil {
			category = m.Phase1Result.WorkflowCategory
		}
		siblings = append(siblings, analysis.SiblingSummary{
			Subject:  m.Subject,
			Preview:  m.BodyPreview,
			Category: category,
		})
	}
	return siblings, nil
}

// advance enqueues Phase 3 when the chain's completeness recommends it.
func (p *Phase2Processor) advance(ctx context.Context, email *domain.Email) error {
	if email.ChainID == nil {
		return nil
	}

	updated, err := p.chains.Recompute(ctx, *email.ChainID)
	if err != nil {
		return err
	}
	if updated == nil || updated.RecommendedPhase < 3 {
		return nil
	}

	// Promote every enhanced member once the chain recommends the
	// strategic pass; duplicate enqueues dedup on the idempotency key.
	members, err := p.emails.ListByChain(ctx, *email.ChainID)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member.PhaseCompleted != 2 || member.Status != domain.StatusPhase2Complete {
			continue
		}
		priority := domain.PriorityMedium
		if member.Phase1Result != nil {
			priority = member.Phase1Result.Priority
		}
		if _, err := p.queue.Enqueue(ctx, &domain.Job{
			Phase:          domain.Phase3,
			EmailIDs:       []int64{member.ID},
			Priority:       priority,
			IdempotencyKey: fmt.Sprintf("phase3:%d", member.ID),
		}); err != nil {
			return err
		}
	}
	return nil
}

// markFailed records the failure status with its message. Conflicts are
// ignored: another attempt may already have recorded or recovered it.
func (p *Phase2Processor) markFailed(ctx context.Context, email *domain.Email, fromStatus domain.Status, cause error) {
	if fromStatus != domain.StatusPhase1Complete {
		return
	}
	msg := cause.Error()
	_ = p.emails.UpdateStatus(ctx, email.ID, fromStatus, domain.StatusPhase2Failed, &out.StatusUpdate{
		ErrorMessage: &msg,
	})
}
