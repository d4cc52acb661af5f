package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"pipeline_server/core/domain"
	"pipeline_server/pkg/snowflake"
)

// =============================================================================
// Chain Adapter (PostgreSQL)
// =============================================================================

// ChainAdapter implements out.ChainRepository using PostgreSQL.
type ChainAdapter struct {
	db  *sqlx.DB
	ids *snowflake.Generator
}

// NewChainAdapter creates a new ChainAdapter.
func NewChainAdapter(db *sqlx.DB, ids *snowflake.Generator) *ChainAdapter {
	return &ChainAdapter{db: db, ids: ids}
}

const chainSelectColumns = `
	c.id, c.grouping_key, c.subject_hash, c.chain_type, c.completeness_score,
	c.email_count, c.first_email_at, c.last_email_at, c.primary_workflow,
	c.recommended_phase, c.created_at, c.updated_at`

type chainRow struct {
	ID                int64          `db:"id"`
	GroupingKey       string         `db:"grouping_key"`
	SubjectHash       sql.NullString `db:"subject_hash"`
	ChainType         string         `db:"chain_type"`
	CompletenessScore float64        `db:"completeness_score"`
	EmailCount        int            `db:"email_count"`
	FirstEmailAt      time.Time      `db:"first_email_at"`
	LastEmailAt       time.Time      `db:"last_email_at"`
	PrimaryWorkflow   sql.NullString `db:"primary_workflow"`
	RecommendedPhase  int            `db:"recommended_phase"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r *chainRow) toEntity() *domain.Chain {
	return &domain.Chain{
		ID:                r.ID,
		GroupingKey:       r.GroupingKey,
		SubjectHash:       r.SubjectHash.String,
		ChainType:         domain.ChainType(r.ChainType),
		CompletenessScore: r.CompletenessScore,
		EmailCount:        r.EmailCount,
		FirstEmailAt:      r.FirstEmailAt.UTC(),
		LastEmailAt:       r.LastEmailAt.UTC(),
		PrimaryWorkflow:   r.PrimaryWorkflow.String,
		RecommendedPhase:  r.RecommendedPhase,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

// GetByID loads one chain, or nil when absent.
func (a *ChainAdapter) GetByID(ctx context.Context, id int64) (*domain.Chain, error) {
	var chain *domain.Chain
	err := withRetry(ctx, func() error {
		var row chainRow
		err := a.db.GetContext(ctx, &row,
			`SELECT `+chainSelectColumns+` FROM chains c WHERE c.id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			chain = nil
			return nil
		}
		if err != nil {
			return err
		}
		chain = row.toEntity()
		return nil
	})
	return chain, err
}

// GetByKey loads a chain by grouping key, or nil when absent.
func (a *ChainAdapter) GetByKey(ctx context.Context, groupingKey string) (*domain.Chain, error) {
	var chain *domain.Chain
	err := withRetry(ctx, func() error {
		var row chainRow
		err := a.db.GetContext(ctx, &row,
			`SELECT `+chainSelectColumns+` FROM chains c WHERE c.grouping_key = $1`, groupingKey)
		if errors.Is(err, sql.ErrNoRows) {
			chain = nil
			return nil
		}
		if err != nil {
			return err
		}
		chain = row.toEntity()
		return nil
	})
	return chain, err
}

// Create inserts a new chain. A concurrent create of the same grouping
// key resolves to the winner's row.
func (a *ChainAdapter) Create(ctx context.Context, chain *domain.Chain) (int64, error) {
	var id int64
	err := withRetry(ctx, func() error {
		if chain.ID == 0 {
			newID, err := a.ids.Generate()
			if err != nil {
				return err
			}
			chain.ID = newID
		}

		now := time.Now().UTC()
		row := a.db.QueryRowxContext(ctx, `
			INSERT INTO chains (
				id, grouping_key, subject_hash, chain_type, completeness_score,
				email_count, first_email_at, last_email_at, primary_workflow,
				recommended_phase, created_at, updated_at
			) VALUES ($1, $2, $3, $4, 0, 0, $5, $6, $7, $8, $9, $9)
			ON CONFLICT (grouping_key) DO NOTHING
			RETURNING id`,
			chain.ID, chain.GroupingKey, nullString(chain.SubjectHash),
			string(chain.ChainType), chain.FirstEmailAt.UTC(), chain.LastEmailAt.UTC(),
			nullString(chain.PrimaryWorkflow), chain.RecommendedPhase, now,
		)

		if err := row.Scan(&id); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			// Lost the race: return the existing row.
			return a.db.GetContext(ctx, &id,
				`SELECT id FROM chains WHERE grouping_key = $1`, chain.GroupingKey)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	chain.ID = id
	return id, nil
}

// UpdateRollup rewrites the derived aggregates. email_count is owned by
// the email adapter's LinkToChain and left untouched here.
func (a *ChainAdapter) UpdateRollup(ctx context.Context, chain *domain.Chain) error {
	return withRetry(ctx, func() error {
		_, err := a.db.ExecContext(ctx, `
			UPDATE chains SET
				chain_type = $2,
				completeness_score = $3,
				first_email_at = $4,
				last_email_at = $5,
				primary_workflow = $6,
				recommended_phase = $7,
				updated_at = $8
			WHERE id = $1`,
			chain.ID, string(chain.ChainType), chain.CompletenessScore,
			chain.FirstEmailAt.UTC(), chain.LastEmailAt.UTC(),
			nullString(chain.PrimaryWorkflow), chain.RecommendedPhase,
			time.Now().UTC(),
		)
		return err
	})
}
