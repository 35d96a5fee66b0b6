package registry

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

// PostgresStore persists the mapping in the pending_escrows table created by
// migrations/001_pending_escrows.sql.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore{
		db: db,
		upsertSQL: `INSERT INTO pending_escrows (document_hash, escrow_id) VALUES ($1, $2)
			ON CONFLICT (document_hash) DO UPDATE SET escrow_id = EXCLUDED.escrow_id, updated_at = NOW()`,
		deleteSQL: `DELETE FROM pending_escrows WHERE document_hash = $1`,
	}}
}

// Migrate creates the pending_escrows table when goose has not been run.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pending_escrows (
			document_hash VARCHAR(66) PRIMARY KEY,
			escrow_id     NUMERIC(78,0) NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}
