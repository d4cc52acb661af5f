package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/pool"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/chain"
	"pipeline_server/core/service/triage"
	"pipeline_server/pkg/apperr"
	"pipeline_server/pkg/logger"
	"pipeline_server/pkg/metrics"
)

// conflictRetries bounds optimistic-concurrency retries on status writes.
const conflictRetries = 3

// batchTriageWorker implements pool.Worker for batch Phase 1 jobs.
type batchTriageWorker struct {
	processor *Phase1Processor
	onError   func(error)
}

// Do implements pool.Worker.
func (w *batchTriageWorker) Do(ctx context.Context, emailID int64) error {
	if err := w.processor.processEmail(ctx, emailID); err != nil {
		w.onError(err)
		return err
	}
	return nil
}

// Phase1Processor runs the deterministic triage over a job's emails.
// Jobs may carry many email ids (batch backfill); emails fan out across
// an inner worker group since the rule engine is CPU-only.
type Phase1Processor struct {
	emails   out.EmailRepository
	bodies   out.BodyStore
	queue    out.JobQueue
	engine   *triage.Engine
	analyzer *chain.Analyzer
	hub      *metrics.Hub
	log      *logger.Logger

	batchWorkers int
}

// NewPhase1Processor creates the Phase 1 processor.
func NewPhase1Processor(
	emails out.EmailRepository,
	bodies out.BodyStore,
	queue out.JobQueue,
	engine *triage.Engine,
	analyzer *chain.Analyzer,
	hub *metrics.Hub,
) *Phase1Processor {
	return &Phase1Processor{
		emails:       emails,
		bodies:       bodies,
		queue:        queue,
		engine:       engine,
		analyzer:     analyzer,
		hub:          hub,
		log:          logger.WithField("component", "phase1_processor"),
		batchWorkers: 4,
	}
}

// Process triages every email in the job. Single-email jobs run inline;
// batches fan out.
func (p *Phase1Processor) Process(ctx context.Context, job *domain.Job) error {
	if len(job.EmailIDs) == 1 {
		return p.processEmail(ctx, job.EmailIDs[0])
	}

	workers := p.batchWorkers
	if workers > len(job.EmailIDs) {
		workers = len(job.EmailIDs)
	}

	var mu sync.Mutex
	var failed error
	grp := pool.New[int64](workers, &batchTriageWorker{
		processor: p,
		onError: func(err error) {
			mu.Lock()
			failed = err
			mu.Unlock()
		},
	}).WithContinueOnError()

	if err := grp.Go(ctx); err != nil {
		return err
	}
	for _, id := range job.EmailIDs {
		grp.Submit(id)
	}
	if err := grp.Close(ctx); err != nil {
		return err
	}
	return failed
}

func (p *Phase1Processor) processEmail(ctx context.Context, emailID int64) error {
	start := time.Now()

	email, err := p.emails.GetByID(ctx, emailID)
	if err != nil {
		return err
	}

	// Already triaged: replaying a redelivered job is a no-op apart from
	// making sure the follow-up enqueue happened.
	if email.PhaseCompleted >= 1 {
		return p.advance(ctx, email)
	}

	// Rule engine wants the full body; previews are a fallback when the
	// body store has nothing for this email.
	body, err := p.bodies.Get(ctx, emailID)
	if err != nil {
		if !apperr.IsCode(err, apperr.CodeNotFound) {
			return err
		}
		body = email.BodyPreview
	}
	email.BodyText = body

	result := p.engine.Analyze(email)

	if err := p.emails.AppendPhaseResult(ctx, &out.PhaseResultRecord{
		EmailID:          emailID,
		Phase:            domain.Phase1,
		Result:           result,
		Confidence:       result.Confidence,
		ModelUsed:        "rules/" + result.RulesVersion,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}); err != nil {
		return err
	}

	if err := p.transition(ctx, emailID, domain.StatusPending, domain.StatusPhase1Complete, nil); err != nil {
		return err
	}

	email.Phase1Result = result
	email.PhaseCompleted = 1
	email.Status = domain.StatusPhase1Complete

	if p.hub != nil {
		p.hub.PhaseCompleted(1)
		p.hub.ObservePhaseDuration(1, time.Since(start).Seconds())
	}

	return p.advance(ctx, email)
}

// advance refreshes the chain rollup and enqueues Phase 2 when the chain
// recommends going deeper. The enqueue's idempotency key makes replays
// harmless.
func (p *Phase1Processor) advance(ctx context.Context, email *domain.Email) error {
	if email.ChainID == nil {
		return nil
	}

	updated, err := p.analyzer.Recompute(ctx, *email.ChainID)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	if p.hub != nil {
		p.hub.ObserveChainCompleteness(updated.CompletenessScore)
	}

	if updated.RecommendedPhase < 2 {
		return nil
	}

	// The chain crossing the threshold promotes every triaged member,
	// not just the email that tipped it; idempotency keys make the
	// repeated enqueues no-ops.
	members, err := p.emails.ListByChain(ctx, *email.ChainID)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member.PhaseCompleted != 1 || member.Status != domain.StatusPhase1Complete {
			continue
		}
		priority := domain.PriorityMedium
		if member.Phase1Result != nil {
			priority = member.Phase1Result.Priority
		}
		if _, err := p.queue.Enqueue(ctx, &domain.Job{
			Phase:          domain.Phase2,
			EmailIDs:       []int64{member.ID},
			Priority:       priority,
			IdempotencyKey: fmt.Sprintf("phase2:%d", member.ID),
		}); err != nil {
			return err
		}
	}
	return nil
}

// transition retries optimistic-concurrency conflicts by re-reading the
// row: a concurrent worker may already have advanced it, which is fine.
func (p *Phase1Processor) transition(ctx context.Context, emailID int64, from, to domain.Status, update *out.StatusUpdate) error {
	return transitionWithRetry(ctx, p.emails, emailID, from, to, update)
}

// transitionWithRetry is shared by all processors.
func transitionWithRetry(ctx context.Context, emails out.EmailRepository, emailID int64, from, to domain.Status, update *out.StatusUpdate) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = emails.UpdateStatus(ctx, emailID, from, to, update)
		if err == nil || !apperr.IsCode(err, apperr.CodeConflict) {
			return err
		}

		current, getErr := emails.GetByID(ctx, emailID)
		if getErr != nil {
			return getErr
		}
		// Another worker already moved the row to (or past) the target.
		if current.Status == to || current.PhaseCompleted >= phaseOf(to) {
			return nil
		}
		from = current.Status
		if !domain.CanTransition(from, to) {
			return err
		}
	}
	return err
}

func phaseOf(s domain.Status) int {
	switch s {
	case domain.StatusPhase1Complete:
		return 1
	case domain.StatusPhase2Complete:
		return 2
	case domain.StatusPhase3Complete:
		return 3
	default:
		return 0
	}
}
