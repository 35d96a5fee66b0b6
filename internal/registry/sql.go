package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// sqlStore is shared by the SQLite and Postgres stores. The dialects only
// differ in placeholders and the upsert clause.
type sqlStore struct {
	db        *sql.DB
	upsertSQL string
	deleteSQL string
}

const selectPendingSQL = `SELECT document_hash, escrow_id FROM pending_escrows`

func (s *sqlStore) Load(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, selectPendingSQL)
	if err != nil {
		return nil, fmt.Errorf("query pending escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var hash, id string
		if err := rows.Scan(&hash, &id); err != nil {
			return nil, fmt.Errorf("scan pending escrow: %w", err)
		}
		out[hash] = id
	}
	return out, rows.Err()
}

func (s *sqlStore) Put(ctx context.Context, documentHash, escrowID string) error {
	_, err := s.db.ExecContext(ctx, s.upsertSQL, documentHash, escrowID)
	return err
}

func (s *sqlStore) Delete(ctx context.Context, documentHash string) error {
	_, err := s.db.ExecContext(ctx, s.deleteSQL, documentHash)
	return err
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// DB exposes the connection pool for stats collection.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}
