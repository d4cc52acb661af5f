package database

import (
	"context"
	_ "embed"

	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema applies the idempotent schema. Safe to run on every
// startup; concurrent starters serialize on an advisory lock.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	const lockID = 7431902

	conn, err := db.Connx(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		return err
	}
	defer conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockID)

	_, err = conn.ExecContext(ctx, schemaSQL)
	return err
}
