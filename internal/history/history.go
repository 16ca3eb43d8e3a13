// Package history keeps the list of generated clips, capped by a byte
// budget so the oldest entries are evicted first.
package history

import (
	"context"
	"strings"
	"time"
)

// Entry is one generated clip.
type Entry struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists clip history. Load returns entries oldest first.
type Store interface {
	Load(ctx context.Context) ([]Entry, error)
	Append(ctx context.Context, e Entry) error
	Close() error
}

// NewStore uses Postgres when databaseURL is set, otherwise a SQLite file at
// path (kept in memory only when path is empty).
func NewStore(ctx context.Context, databaseURL, path string, budget int) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL, budget)
	}
	return NewSQLiteStore(path, budget)
}
