package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists clip history in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	budget int
}

func NewPostgresStore(ctx context.Context, databaseURL string, budget int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, budget: budget}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clip_history (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_clip_history_created ON clip_history (created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, url, text, created_at FROM clip_history ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.URL, &e.Text, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

// Append inserts e and evicts the oldest rows beyond the byte budget, keeping
// at least the newest entry.
func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO clip_history (id, url, text, created_at) VALUES ($1, $2, $3, $4)`,
		e.ID, e.URL, e.Text, e.Timestamp,
	); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if s.budget > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM clip_history WHERE id IN (
				SELECT id FROM (
					SELECT id,
						row_number() OVER (ORDER BY created_at DESC, id DESC) AS pos,
						SUM(octet_length(url) + octet_length(text)) OVER (ORDER BY created_at DESC, id DESC) AS running
					FROM clip_history
				) ranked WHERE ranked.pos > 1 AND ranked.running > $1
			)`, s.budget); err != nil {
			return fmt.Errorf("evict history: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
