// Package worker hosts the phase processors and the per-phase pools that
// consume the job queue.
package worker

import (
	"context"
	"fmt"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
)

// Handler dispatches leased jobs to their phase processor.
type Handler struct {
	phase1 *Phase1Processor
	phase2 *Phase2Processor
	phase3 *Phase3Processor
}

// NewHandler creates the dispatcher.
func NewHandler(phase1 *Phase1Processor, phase2 *Phase2Processor, phase3 *Phase3Processor) *Handler {
	return &Handler{
		phase1: phase1,
		phase2: phase2,
		phase3: phase3,
	}
}

// Process runs one leased job to completion. An error return means the
// job must be nacked; processors persist all effects before returning
// nil so an ack never races its own writes.
func (h *Handler) Process(ctx context.Context, leased *out.LeasedJob) error {
	switch leased.Job.Phase {
	case domain.Phase1:
		return h.phase1.Process(ctx, leased.Job)
	case domain.Phase2:
		return h.phase2.Process(ctx, leased.Job)
	case domain.Phase3:
		return h.phase3.Process(ctx, leased.Job)
	default:
		return fmt.Errorf("unknown phase %d in job %s", leased.Job.Phase, leased.Job.JobID)
	}
}
