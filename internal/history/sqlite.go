package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps clip history in a local SQLite file, or in memory when
// the path is empty.
type SQLiteStore struct {
	db     *sql.DB
	budget int
}

func NewSQLiteStore(path string, budget int) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// one connection: writes are serialized and :memory: stays a single db
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, budget: budget}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db %s: %w", path, err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clip_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		url TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, url, text, created_at FROM clip_history ORDER BY seq`)
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
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

// Append inserts e and evicts the oldest rows beyond the byte budget in one
// transaction, keeping at least the newest entry.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO clip_history (id, url, text, created_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.URL, e.Text, e.Timestamp,
	); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if s.budget > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM clip_history WHERE seq IN (
				SELECT seq FROM (
					SELECT seq,
						row_number() OVER (ORDER BY seq DESC) AS pos,
						SUM(length(CAST(url AS BLOB)) + length(CAST(text AS BLOB))) OVER (ORDER BY seq DESC) AS running
					FROM clip_history
				) WHERE pos > 1 AND running > ?
			)`, s.budget); err != nil {
			return fmt.Errorf("evict history: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
