// Package out defines outbound ports implemented by adapters.
package out

import (
	"context"
	"time"

	"pipeline_server/core/domain"
)

// StatusUpdate carries the fields a status transition may change
// atomically with the status itself.
type StatusUpdate struct {
	PhaseCompleted     *int
	CompletenessScore  *float64
	RecommendedPhase   *int
	ErrorMessage       *string
	AnalysisConfidence *float64
	ModelUsed          *string
}

// PhaseResultRecord is one persisted phase analysis.
type PhaseResultRecord struct {
	EmailID          int64
	Phase            domain.Phase
	Result           any // *domain.Phase1Result / *Phase2Result / *Phase3Result
	Confidence       float64
	TokensUsed       int
	ModelUsed        string
	ProcessingTimeMs int64
}

// EmailPage is one page of a cursor listing.
type EmailPage struct {
	Emails     []*domain.Email
	NextCursor string
	HasMore    bool
}

// EmailRepository is the store contract for email rows.
//
// All writes are atomic per row; multi-entity writes (chain linkage,
// phase-result append) run in a single transaction. Transient I/O errors
// are retried inside the adapter; persistent failures surface as
// STORE_UNAVAILABLE.
type EmailRepository interface {
	// Upsert inserts the email or returns the existing row's ID when
	// internet_message_id is already present. The bool reports whether a
	// new row was created.
	Upsert(ctx context.Context, email *domain.Email) (int64, bool, error)

	GetByID(ctx context.Context, id int64) (*domain.Email, error)
	GetByMessageID(ctx context.Context, internetMessageID string) (*domain.Email, error)

	// UpdateStatus transitions oldStatus -> newStatus with optimistic
	// concurrency: a CONFLICT error is returned when the row's current
	// status no longer equals oldStatus.
	UpdateStatus(ctx context.Context, id int64, oldStatus, newStatus domain.Status, update *StatusUpdate) error

	// LinkToChain writes the email's chain reference and bumps the
	// chain's email_count in one transaction.
	LinkToChain(ctx context.Context, emailID, chainID int64) error

	// AppendPhaseResult persists a phase result idempotently on
	// (email_id, phase) and raises phase_completed to at least the phase.
	AppendPhaseResult(ctx context.Context, rec *PhaseResultRecord) error

	// ListForProcessing returns oldest-first candidates in the given
	// status.
	ListForProcessing(ctx context.Context, status domain.Status, phaseHint domain.Phase, limit int) ([]*domain.Email, error)

	// List pages emails newest-first for the dashboard. status filters
	// when non-empty; cursor is the opaque value from a previous page.
	List(ctx context.Context, status domain.Status, limit int, cursor string) (*EmailPage, error)

	ListByChain(ctx context.Context, chainID int64) ([]*domain.Email, error)

	// ArchiveOlderThan archives every non-archived email received before
	// the horizon, returning the number of rows changed.
	ArchiveOlderThan(ctx context.Context, horizon time.Time) (int64, error)

	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)

	Ping(ctx context.Context) error
}

// ChainRepository is the store contract for chain rows.
type ChainRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Chain, error)
	GetByKey(ctx context.Context, groupingKey string) (*domain.Chain, error)
	Create(ctx context.Context, chain *domain.Chain) (int64, error)

	// UpdateRollup rewrites the chain's derived aggregates (type, score,
	// recommended phase, first/last timestamps). email_count is owned by
	// LinkToChain and not touched here.
	UpdateRollup(ctx context.Context, chain *domain.Chain) error
}

// BodyStore keeps full body text out of the relational rows.
type BodyStore interface {
	Put(ctx context.Context, emailID int64, body string) error
	Get(ctx context.Context, emailID int64) (string, error)
	Delete(ctx context.Context, emailID int64) error
	Ping(ctx context.Context) error
}
