package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := NewSQLiteStore(path, 0)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(context.Background(), Entry{URL: "https://cdn/a.mp4", Text: "Bonjour", Timestamp: ts}))
	require.NoError(t, s.Append(context.Background(), Entry{URL: "https://cdn/b.mp4", Text: "Salut"}))
	require.NoError(t, s.Close())

	again, err := NewSQLiteStore(path, 0)
	require.NoError(t, err)
	defer again.Close()
	got, err := again.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "https://cdn/a.mp4", got[0].URL)
	assert.Equal(t, ts, got[0].Timestamp)
	assert.Equal(t, "https://cdn/b.mp4", got[1].URL)
	assert.NotEmpty(t, got[1].ID)
	assert.False(t, got[1].Timestamp.IsZero())
}

func TestSQLiteStore_EvictsOldestOverBudget(t *testing.T) {
	// each entry is 17 url bytes + 40 text bytes
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), 300)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(context.Background(), Entry{
			URL:  fmt.Sprintf("https://cdn/%d.mp4", i),
			Text: strings.Repeat("x", 40),
		}))
	}
	got, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "https://cdn/5.mp4", got[0].URL)
	assert.Equal(t, "https://cdn/9.mp4", got[len(got)-1].URL, "newest survives")
}

func TestSQLiteStore_KeepsSingleOversizedEntry(t *testing.T) {
	s, err := NewSQLiteStore("", 10)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Append(context.Background(), Entry{URL: "https://cdn/long.mp4", Text: "a long reply"}))
	got, _ := s.Load(context.Background())
	assert.Len(t, got, 1)
}

func TestSQLiteStore_FailedAppendLeavesHistoryUnchanged(t *testing.T) {
	s, err := NewSQLiteStore("", 60)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Entry{ID: "one", URL: "https://cdn/1.mp4", Text: "premier"}))
	before, err := s.Load(ctx)
	require.NoError(t, err)

	err = s.Append(ctx, Entry{ID: "one", URL: "https://cdn/2.mp4", Text: strings.Repeat("z", 80)})
	require.Error(t, err)

	after, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSQLiteStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("not a database ", 512)), 0o644))
	_, err := NewSQLiteStore(path, 0)
	require.Error(t, err)
}

func TestNewStore_FallsBackToSQLite(t *testing.T) {
	s, err := NewStore(context.Background(), " ", "", 100)
	require.NoError(t, err)
	_, ok := s.(*SQLiteStore)
	assert.True(t, ok)
	require.NoError(t, s.Close())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("AVATARAI_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AVATARAI_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn, 200)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.pool.Exec(ctx, `TRUNCATE clip_history`)
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, Entry{
			URL:       fmt.Sprintf("https://cdn/%d.mp4", i),
			Text:      strings.Repeat("y", 40),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Less(t, len(got), 5)
	assert.Equal(t, "https://cdn/4.mp4", got[len(got)-1].URL)
}
