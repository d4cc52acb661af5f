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

// Phase3Processor runs the high-tier strategic pass.
type Phase3Processor struct {
	emails    out.EmailRepository
	bodies    out.BodyStore
	analyzer  *analysis.Phase3Analyzer
	chains    *chain.Analyzer
	chainRepo chain.ChainStore
	hub       *metrics.Hub
	log       *logger.Logger
}

// NewPhase3Processor creates the Phase 3 processor.
func NewPhase3Processor(
	emails out.EmailRepository,
	bodies out.BodyStore,
	analyzer *analysis.Phase3Analyzer,
	chains *chain.Analyzer,
	chainRepo chain.ChainStore,
	hub *metrics.Hub,
) *Phase3Processor {
	return &Phase3Processor{
		emails:    emails,
		bodies:    bodies,
		analyzer:  analyzer,
		chains:    chains,
		chainRepo: chainRepo,
		hub:       hub,
		log:       logger.WithField("component", "phase3_processor"),
	}
}

// Process runs the strategic pass for every email in the job.
func (p *Phase3Processor) Process(ctx context.Context, job *domain.Job) error {
	for _, emailID := range job.EmailIDs {
		if err := p.processEmail(ctx, emailID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Phase3Processor) processEmail(ctx context.Context, emailID int64) error {
	start := time.Now()

	email, err := p.emails.GetByID(ctx, emailID)
	if err != nil {
		return err
	}

	// Phase 3 never runs without a persisted Phase 2.
	if email.PhaseCompleted < 2 || email.Phase2Result == nil {
		return apperr.Conflict(fmt.Sprintf("email %d has no phase 2 result yet", emailID))
	}
	if email.PhaseCompleted >= 3 {
		return nil
	}

	body, err := p.bodies.Get(ctx, emailID)
	if err == nil {
		email.BodyText = body
	} else if !apperr.IsCode(err, apperr.CodeNotFound) {
		return err
	} else {
		email.BodyText = email.BodyPreview
	}

	chainRollup, chainContext, err := p.chainContext(ctx, email)
	if err != nil {
		return err
	}

	fromStatus := email.Status // phase2_complete or phase3_failed (retry)

	result, meta, err := p.analyzer.Analyze(ctx, email, email.Phase1Result, email.Phase2Result, chainContext, chainRollup)
	if err != nil {
		if !apperr.IsCode(err, apperr.CodeCircuitOpen) {
			p.markFailed(ctx, email, fromStatus, err)
			if p.hub != nil {
				p.hub.PhaseFailed(3)
			}
		}
		return err
	}

	if err := p.emails.AppendPhaseResult(ctx, &out.PhaseResultRecord{
		EmailID:          emailID,
		Phase:            domain.Phase3,
		Result:           result,
		Confidence:       result.Confidence,
		TokensUsed:       meta.TokensUsed,
		ModelUsed:        meta.Model,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}); err != nil {
		return err
	}

	if err := transitionWithRetry(ctx, p.emails, emailID, fromStatus, domain.StatusPhase3Complete, nil); err != nil {
		return err
	}

	if p.hub != nil {
		p.hub.PhaseCompleted(3)
		p.hub.ObservePhaseDuration(3, time.Since(start).Seconds())
	}

	if email.ChainID != nil {
		p.chains.Invalidate(*email.ChainID)
	}
	return nil
}

// chainContext loads the chain rollup plus summaries of every member for
// the strategic prompt (budget-capped in the prompt builder).
func (p *Phase3Processor) chainContext(ctx context.Context, email *domain.Email) (*domain.Chain, []analysis.SiblingSummary, error) {
	if email.ChainID == nil {
		return nil, nil, nil
	}

	rollup, err := p.chainRepo.GetByID(ctx, *email.ChainID)
	if err != nil {
		return nil, nil, err
	}

	members, err := p.emails.ListByChain(ctx, *email.ChainID)
	if err != nil {
		return nil, nil, err
	}

	var summaries []analysis.SiblingSummary
	for _, m := range members {
		category := domain.WorkflowGeneral
		if m.Phase1Result != nil {
			category = m.Phase1Result.WorkflowCategory
		}
		summaries = append(summaries, analysis.SiblingSummary{
			Subject:  m.Subject,
			Preview:  m.BodyPreview,
			Category: category,
		})
	}
	return rollup, summaries, nil
}

func (p *Phase3Processor) markFailed(ctx context.Context, email *domain.Email, fromStatus domain.Status, cause error) {
	if fromStatus != domain.StatusPhase2Complete {
		return
	}
	msg := cause.Error()
	_ = p.emails.UpdateStatus(ctx, email.ID, fromStatus, domain.StatusPhase3Failed, &out.StatusUpdate{
		ErrorMessage: &msg,
	})
}
