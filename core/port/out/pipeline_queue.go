package out

import (
	"context"
	"time"

	"pipeline_server/core/domain"
)

// LeasedJob is a job held under a visibility timeout. The receipt must be
// passed back on Ack/Nack; a stale receipt (lease expired and job
// redelivered) is rejected.
type LeasedJob struct {
	Job     *domain.Job
	Receipt string
	Stream  string
}

// DeadJob is one dead-lettered job with its failure context.
type DeadJob struct {
	Job       *domain.Job `json:"job"`
	Stream    string      `json:"stream"`
	LastError string      `json:"last_error"`
	DeadAt    time.Time   `json:"dead_at"`
}

// QueueStats is a per-stream depth snapshot.
type QueueStats struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Leased  int64 `json:"leased"`
	Paused  bool  `json:"paused"`
}

// JobQueue is the persistent, at-least-once job queue.
//
// Within a stream, due jobs dequeue by (priority, enqueued_at); a job
// whose not_before is in the future is held back until it is due, and
// not_before plays no part in the order among due jobs.
// An acknowledged job is never redelivered; an unacknowledged one is
// redelivered after its lease expires, so consumers must be idempotent.
type JobQueue interface {
	// Enqueue adds a job to its phase stream. A duplicate idempotency
	// key within the dedup window is a no-op; the bool reports whether
	// the job was actually queued.
	Enqueue(ctx context.Context, job *domain.Job) (bool, error)

	// Lease pops the best ready job, holding it invisible for the
	// visibility timeout. Returns (nil, nil) when the stream is empty or
	// paused.
	Lease(ctx context.Context, stream string) (*LeasedJob, error)

	// Ack completes a leased job; its effects must already be persisted.
	Ack(ctx context.Context, leased *LeasedJob) error

	// Nack releases a leased job for retry after the standard backoff,
	// recording the error. Jobs that exhaust max attempts move to the
	// dead-letter stream.
	Nack(ctx context.Context, leased *LeasedJob, jobErr error) error

	// NackWithDelay releases with an explicit delay (circuit cooldowns).
	NackWithDelay(ctx context.Context, leased *LeasedJob, jobErr error, delay time.Duration) error

	// RecoverLeases returns expired leases to their ready sets. Run at
	// startup and periodically.
	RecoverLeases(ctx context.Context) (int, error)

	// PromoteAged bumps jobs waiting past the aging threshold one
	// priority level.
	PromoteAged(ctx context.Context) (int, error)

	// Admin operations.
	Peek(ctx context.Context, stream string, limit int) ([]*domain.Job, error)
	Drain(ctx context.Context, stream string) (int64, error)
	ListDead(ctx context.Context, limit int) ([]*DeadJob, error)
	RequeueDead(ctx context.Context, jobID string) (bool, error)
	Pause(ctx context.Context, stream string) error
	Resume(ctx context.Context, stream string) error

	Stats(ctx context.Context, stream string) (*QueueStats, error)
	Ping(ctx context.Context) error
}
