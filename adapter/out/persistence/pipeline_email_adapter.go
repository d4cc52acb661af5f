// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/pkg/apperr"
	"pipeline_server/pkg/snowflake"
)

// =============================================================================
// Email Adapter (PostgreSQL)
// =============================================================================

// EmailAdapter implements out.EmailRepository using PostgreSQL.
type EmailAdapter struct {
	db  *sqlx.DB
	ids *snowflake.Generator
}

// NewEmailAdapter creates a new EmailAdapter.
func NewEmailAdapter(db *sqlx.DB, ids *snowflake.Generator) *EmailAdapter {
	return &EmailAdapter{db: db, ids: ids}
}

// emailSelectColumns contains explicit column names for SELECT queries.
// Body text is not relational; it lives in the body store.
const emailSelectColumns = `
	e.id, e.internet_message_id, e.subject, e.sender_address, e.sender_display,
	e.body_preview, e.received_at, e.conversation_id, e.importance,
	e.status, e.phase_completed, e.chain_id, e.completeness_score, e.recommended_phase,
	e.phase1_result, e.phase2_result, e.phase3_result,
	e.analysis_confidence, e.processing_time_ms, e.model_used, e.tokens_used, e.error_message,
	e.created_at, e.updated_at`

// emailRow represents the database row for emails.
type emailRow struct {
	ID                int64          `db:"id"`
	InternetMessageID string         `db:"internet_message_id"`
	Subject           string         `db:"subject"`
	SenderAddress     string         `db:"sender_address"`
	SenderDisplay     sql.NullString `db:"sender_display"`
	BodyPreview       string         `db:"body_preview"`
	ReceivedAt        time.Time      `db:"received_at"`
	ConversationID    sql.NullString `db:"conversation_id"`
	Importance        sql.NullString `db:"importance"`

	Status            string          `db:"status"`
	PhaseCompleted    int             `db:"phase_completed"`
	ChainID           sql.NullInt64   `db:"chain_id"`
	CompletenessScore float64         `db:"completeness_score"`
	RecommendedPhase  int             `db:"recommended_phase"`
	Phase1Result      []byte          `db:"phase1_result"`
	Phase2Result      []byte          `db:"phase2_result"`
	Phase3Result      []byte          `db:"phase3_result"`
	AnalysisConf      sql.NullFloat64 `db:"analysis_confidence"`
	ProcessingTimeMs  sql.NullInt64   `db:"processing_time_ms"`
	ModelUsed         sql.NullString  `db:"model_used"`
	TokensUsed        sql.NullInt64   `db:"tokens_used"`
	ErrorMessage      sql.NullString  `db:"error_message"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *emailRow) toEntity() (*domain.Email, error) {
	email := &domain.Email{
		ID:                r.ID,
		InternetMessageID: r.InternetMessageID,
		Subject:           r.Subject,
		Sender:            domain.Address{Address: r.SenderAddress, Display: r.SenderDisplay.String},
		BodyPreview:       r.BodyPreview,
		ReceivedAt:        r.ReceivedAt.UTC(),
		ConversationID:    r.ConversationID.String,
		Importance:        r.Importance.String,
		Status:            domain.Status(r.Status),
		PhaseCompleted:    r.PhaseCompleted,
		CompletenessScore: r.CompletenessScore,
		RecommendedPhase:  r.RecommendedPhase,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
	if r.ChainID.Valid {
		email.ChainID = &r.ChainID.Int64
	}
	if r.AnalysisConf.Valid {
		email.AnalysisConfidence = r.AnalysisConf.Float64
	}
	if r.ProcessingTimeMs.Valid {
		email.ProcessingTimeMs = r.ProcessingTimeMs.Int64
	}
	email.ModelUsed = r.ModelUsed.String
	if r.TokensUsed.Valid {
		email.TokensUsed = int(r.TokensUsed.Int64)
	}
	email.ErrorMessage = r.ErrorMessage.String

	if len(r.Phase1Result) > 0 {
		var p1 domain.Phase1Result
		if err := json.Unmarshal(r.Phase1Result, &p1); err != nil {
			return nil, fmt.Errorf("decode phase1_result for %d: %w", r.ID, err)
		}
		email.Phase1Result = &p1
	}
	if len(r.Phase2Result) > 0 {
		var p2 domain.Phase2Result
		if err := json.Unmarshal(r.Phase2Result, &p2); err != nil {
			return nil, fmt.Errorf("decode phase2_result for %d: %w", r.ID, err)
		}
		email.Phase2Result = &p2
	}
	if len(r.Phase3Result) > 0 {
		var p3 domain.Phase3Result
		if err := json.Unmarshal(r.Phase3Result, &p3); err != nil {
			return nil, fmt.Errorf("decode phase3_result for %d: %w", r.ID, err)
		}
		email.Phase3Result = &p3
	}

	return email, nil
}

// withRetry retries transient database failures with bounded backoff.
// Conflict and not-found outcomes pass through untouched.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		err = op()
		if err == nil || errors.Is(err, sql.ErrNoRows) || apperr.IsAppError(err) {
			return err
		}
	}
	return apperr.StoreUnavailable(err)
}

// Upsert inserts the email, returning the existing row's ID when the
// internet_message_id is already present. Recipients are written in the
// same transaction.
func (a *EmailAdapter) Upsert(ctx context.Context, email *domain.Email) (int64, bool, error) {
	var id int64
	var created bool

	err := withRetry(ctx, func() error {
		tx, err := a.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if email.ID == 0 {
			newID, err := a.ids.Generate()
			if err != nil {
				return err
			}
			email.ID = newID
		}

		now := time.Now().UTC()
		row := tx.QueryRowxContext(ctx, `
			INSERT INTO emails (
				id, internet_message_id, subject, sender_address, sender_display,
				body_preview, received_at, conversation_id, importance,
				status, phase_completed, completeness_score, recommended_phase,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 0, 1, $11, $11)
			ON CONFLICT (internet_message_id) DO NOTHING
			RETURNING id`,
			email.ID, email.InternetMessageID, email.Subject,
			email.Sender.Address, nullString(email.Sender.Display),
			email.BodyPreview, email.ReceivedAt.UTC(),
			nullString(email.ConversationID), nullString(email.Importance),
			string(domain.StatusPending), now,
		)

		if err := row.Scan(&id); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			// Conflict path: fetch the existing row's id.
			if err := tx.GetContext(ctx, &id,
				`SELECT id FROM emails WHERE internet_message_id = $1`,
				email.InternetMessageID); err != nil {
				return err
			}
			created = false
			return tx.Commit()
		}

		created = true
		for i, r := range email.Recipients {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO email_recipients (email_id, kind, position, address, display)
				VALUES ($1, $2, $3, $4, $5)`,
				id, string(r.Kind), i, r.Address, nullString(r.Display)); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return 0, false, err
	}

	email.ID = id
	return id, created, nil
}

// GetByID loads one email with its recipients.
func (a *EmailAdapter) GetByID(ctx context.Context, id int64) (*domain.Email, error) {
	var email *domain.Email
	err := withRetry(ctx, func() error {
		var row emailRow
		err := a.db.GetContext(ctx, &row,
			`SELECT `+emailSelectColumns+` FROM emails e WHERE e.id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("email")
		}
		if err != nil {
			return err
		}
		email, err = row.toEntity()
		if err != nil {
			return err
		}
		return a.loadRecipients(ctx, email)
	})
	return email, err
}

// GetByMessageID loads one email by its source-unique id.
func (a *EmailAdapter) GetByMessageID(ctx context.Context, internetMessageID string) (*domain.Email, error) {
	var email *domain.Email
	err := withRetry(ctx, func() error {
		var row emailRow
		err := a.db.GetContext(ctx, &row,
			`SELECT `+emailSelectColumns+` FROM emails e WHERE e.internet_message_id = $1`,
			internetMessageID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("email")
		}
		if err != nil {
			return err
		}
		email, err = row.toEntity()
		return err
	})
	return email, err
}

func (a *EmailAdapter) loadRecipients(ctx context.Context, email *domain.Email) error {
	rows, err := a.db.QueryxContext(ctx, `
		SELECT kind, address, COALESCE(display, '') AS display
		FROM email_recipients WHERE email_id = $1
		ORDER BY kind, position`, email.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var kind, address, display string
		if err := rows.Scan(&kind, &address, &display); err != nil {
			return err
		}
		email.Recipients = append(email.Recipients, domain.Recipient{
			Kind:    domain.RecipientKind(kind),
			Address: address,
			Display: display,
		})
	}
	return rows.Err()
}

// UpdateStatus transitions the status under optimistic concurrency. The
// transition is validated against the state machine before touching the
// database; a current-status mismatch returns CONFLICT.
func (a *EmailAdapter) UpdateStatus(ctx context.Context, id int64, oldStatus, newStatus domain.Status, update *out.StatusUpdate) error {
	if !domain.CanTransition(oldStatus, newStatus) {
		return apperr.InvalidInput("status", fmt.Sprintf("illegal transition %s -> %s", oldStatus, newStatus))
	}
	if newStatus.IsFailed() && (update == nil || update.ErrorMessage == nil || *update.ErrorMessage == "") {
		return apperr.InvalidInput("error_message", "failure status requires an error message")
	}

	return withRetry(ctx, func() error {
		query := `UPDATE emails SET status = $1, updated_at = $2`
		args := []any{string(newStatus), time.Now().UTC()}

		appendSet := func(clause string, val any) {
			args = append(args, val)
			query += fmt.Sprintf(", "+clause, len(args))
		}
		if update != nil {
			if update.PhaseCompleted != nil {
				// phase_completed never decreases
				appendSet("phase_completed = GREATEST(phase_completed, $%d)", *update.PhaseCompleted)
			}
			if update.CompletenessScore != nil {
				appendSet("completeness_score = $%d", *update.CompletenessScore)
			}
			if update.RecommendedPhase != nil {
				appendSet("recommended_phase = $%d", *update.RecommendedPhase)
			}
			if update.ErrorMessage != nil {
				appendSet("error_message = $%d", *update.ErrorMessage)
			}
			if update.AnalysisConfidence != nil {
				appendSet("analysis_confidence = $%d", *update.AnalysisConfidence)
			}
			if update.ModelUsed != nil {
				appendSet("model_used = $%d", *update.ModelUsed)
			}
		}

		args = append(args, id, string(oldStatus))
		query += fmt.Sprintf(" WHERE id = $%d AND status = $%d", len(args)-1, len(args))

		res, err := a.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var current string
			if err := a.db.GetContext(ctx, &current, `SELECT status FROM emails WHERE id = $1`, id); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return apperr.NotFound("email")
				}
				return err
			}
			return apperr.Conflict(fmt.Sprintf("status is %s, expected %s", current, oldStatus))
		}
		return nil
	})
}

// LinkToChain writes the email's chain reference and bumps the chain's
// email_count in one transaction. Re-linking to the same chain is a
// no-op, so replays never over-count.
func (a *EmailAdapter) LinkToChain(ctx context.Context, emailID, chainID int64) error {
	return withRetry(ctx, func() error {
		tx, err := a.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var current sql.NullInt64
		err = tx.GetContext(ctx, &current,
			`SELECT chain_id FROM emails WHERE id = $1 FOR UPDATE`, emailID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("email")
		}
		if err != nil {
			return err
		}

		if current.Valid && current.Int64 == chainID {
			return tx.Commit()
		}
		if current.Valid {
			// Moving chains: decrement the old counter first.
			if _, err := tx.ExecContext(ctx,
				`UPDATE chains SET email_count = email_count - 1, updated_at = $2 WHERE id = $1`,
				current.Int64, time.Now().UTC()); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE emails SET chain_id = $2, updated_at = $3 WHERE id = $1`,
			emailID, chainID, time.Now().UTC()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chains SET email_count = email_count + 1, updated_at = $2 WHERE id = $1`,
			chainID, time.Now().UTC()); err != nil {
			return err
		}

		return tx.Commit()
	})
}

// AppendPhaseResult persists a phase result idempotently on
// (email_id, phase). An existing result is replaced only when the new
// confidence is within the replace tolerance; phase_completed only grows.
func (a *EmailAdapter) AppendPhaseResult(ctx context.Context, rec *out.PhaseResultRecord) error {
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return apperr.InternalWithError(err)
	}

	resultColumn := fmt.Sprintf("phase%d_result", rec.Phase)

	return withRetry(ctx, func() error {
		tx, err := a.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO email_analyses (email_id, phase, result, confidence, tokens_used, model_used, processing_time_ms, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			ON CONFLICT (email_id, phase) DO UPDATE SET
				result = EXCLUDED.result,
				confidence = EXCLUDED.confidence,
				tokens_used = EXCLUDED.tokens_used,
				model_used = EXCLUDED.model_used,
				processing_time_ms = EXCLUDED.processing_time_ms,
				updated_at = EXCLUDED.updated_at
			WHERE EXCLUDED.confidence >= email_analyses.confidence - $9`,
			rec.EmailID, int(rec.Phase), resultJSON, rec.Confidence,
			rec.TokensUsed, rec.ModelUsed, rec.ProcessingTimeMs, now,
			domain.ReplaceTolerance,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			// Existing result has meaningfully higher confidence; keep it.
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE emails SET
				%s = $2,
				phase_completed = GREATEST(phase_completed, $3),
				analysis_confidence = $4,
				model_used = $5,
				tokens_used = COALESCE(tokens_used, 0) + $6,
				processing_time_ms = $7,
				updated_at = $8
			WHERE id = $1`, resultColumn),
			rec.EmailID, resultJSON, int(rec.Phase), rec.Confidence,
			rec.ModelUsed, rec.TokensUsed, rec.ProcessingTimeMs, now,
		); err != nil {
			return err
		}

		return tx.Commit()
	})
}

// ListForProcessing returns oldest-first candidates in the given status.
func (a *EmailAdapter) ListForProcessing(ctx context.Context, status domain.Status, phaseHint domain.Phase, limit int) ([]*domain.Email, error) {
	if limit <= 0 {
		limit = 100
	}

	var emails []*domain.Email
	err := withRetry(ctx, func() error {
		var rows []emailRow
		err := a.db.SelectContext(ctx, &rows, `
			SELECT `+emailSelectColumns+` FROM emails e
			WHERE e.status = $1 AND e.recommended_phase >= $2
			ORDER BY e.received_at ASC
			LIMIT $3`,
			string(status), int(phaseHint), limit)
		if err != nil {
			return err
		}
		emails = emails[:0]
		for i := range rows {
			email, err := rows[i].toEntity()
			if err != nil {
				return err
			}
			emails = append(emails, email)
		}
		return nil
	})
	return emails, err
}

// List pages emails newest-first for the dashboard. The cursor is the
// previous page's last (received_at, id) encoded as "unixmilli:id".
func (a *EmailAdapter) List(ctx context.Context, status domain.Status, limit int, cursor string) (*out.EmailPage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + emailSelectColumns + ` FROM emails e WHERE 1=1`
	var args []any
	n := 0

	if status != "" {
		n++
		query += fmt.Sprintf(" AND e.status = $%d", n)
		args = append(args, string(status))
	}
	if cursor != "" {
		ts, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, apperr.InvalidInput("cursor", err.Error())
		}
		n++
		query += fmt.Sprintf(" AND (e.received_at, e.id) < ($%d, $%d)", n, n+1)
		args = append(args, ts, id)
		n++
	}

	n++
	query += fmt.Sprintf(" ORDER BY e.received_at DESC, e.id DESC LIMIT $%d", n)
	args = append(args, limit+1)

	var page *out.EmailPage
	err := withRetry(ctx, func() error {
		var rows []emailRow
		if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return err
		}

		page = &out.EmailPage{}
		for i := range rows {
			if i == limit {
				page.HasMore = true
				break
			}
			email, err := rows[i].toEntity()
			if err != nil {
				return err
			}
			page.Emails = append(page.Emails, email)
		}
		if page.HasMore && len(page.Emails) > 0 {
			last := page.Emails[len(page.Emails)-1]
			page.NextCursor = encodeCursor(last.ReceivedAt, last.ID)
		}
		return nil
	})
	return page, err
}

// ListByChain loads every email attached to a chain, oldest first.
func (a *EmailAdapter) ListByChain(ctx context.Context, chainID int64) ([]*domain.Email, error) {
	var emails []*domain.Email
	err := withRetry(ctx, func() error {
		var rows []emailRow
		err := a.db.SelectContext(ctx, &rows, `
			SELECT `+emailSelectColumns+` FROM emails e
			WHERE e.chain_id = $1
			ORDER BY e.received_at ASC`, chainID)
		if err != nil {
			return err
		}
		emails = emails[:0]
		for i := range rows {
			email, err := rows[i].toEntity()
			if err != nil {
				return err
			}
			emails = append(emails, email)
		}
		return nil
	})
	return emails, err
}

// ArchiveOlderThan archives every non-archived email received before the
// horizon.
func (a *EmailAdapter) ArchiveOlderThan(ctx context.Context, horizon time.Time) (int64, error) {
	var archived int64
	err := withRetry(ctx, func() error {
		res, err := a.db.ExecContext(ctx, `
			UPDATE emails SET status = $1, updated_at = $2
			WHERE received_at < $3 AND status != $1`,
			string(domain.StatusArchived), time.Now().UTC(), horizon.UTC())
		if err != nil {
			return err
		}
		archived, err = res.RowsAffected()
		return err
	})
	return archived, err
}

// CountByStatus returns row counts per status for dashboards.
func (a *EmailAdapter) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	counts := make(map[domain.Status]int64)
	err := withRetry(ctx, func() error {
		rows, err := a.db.QueryxContext(ctx,
			`SELECT status, COUNT(*) FROM emails GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			counts[domain.Status(status)] = count
		}
		return rows.Err()
	})
	return counts, err
}

// Ping checks the store backend.
func (a *EmailAdapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// =============================================================================
// Helpers
// =============================================================================

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeCursor(ts time.Time, id int64) string {
	return fmt.Sprintf("%d:%d", ts.UnixMilli(), id)
}

func decodeCursor(cursor string) (time.Time, int64, error) {
	var ms, id int64
	if _, err := fmt.Sscanf(cursor, "%d:%d", &ms, &id); err != nil {
		return time.Time{}, 0, fmt.Errorf("malformed cursor")
	}
	return time.UnixMilli(ms).UTC(), id, nil
}
