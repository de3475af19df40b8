package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedEntry(id, status string, size int64, finished time.Time) *Entry {
	return &Entry{
		ID:         id,
		URL:        "https://example.com/" + id,
		Kind:       "http",
		OutputPath: id + ".bin",
		Size:       size,
		Status:     status,
		CreatedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
	}
}

func TestRecordAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	require.NoError(t, store.Record(ctx, seedEntry("t1", "completed", 100, base.Add(-2*time.Hour))))
	require.NoError(t, store.Record(ctx, seedEntry("t2", "failed", 0, base.Add(-time.Hour))))
	require.NoError(t, store.Record(ctx, seedEntry("t3", "completed", 300, base)))

	entries, err := store.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "t3", entries[0].ID)
	assert.Equal(t, "t1", entries[2].ID)
	assert.Equal(t, base.Unix(), entries[0].FinishedAt.Unix())

	page, err := store.List(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "t2", page[0].ID)
}

func TestRecordUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := seedEntry("t1", "failed", 0, now.Add(-time.Minute))
	first.Reason = "connection refused"
	first.Class = "network"
	require.NoError(t, store.Record(ctx, first))

	retry := seedEntry("t1", "completed", 2048, now)
	require.NoError(t, store.Record(ctx, retry))

	entries, err := store.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "completed", entries[0].Status)
	assert.Equal(t, int64(2048), entries[0].Size)
	assert.Empty(t, entries[0].Reason)
}

func TestStatsAndClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Record(ctx, seedEntry("t1", "completed", 100, now)))
	require.NoError(t, store.Record(ctx, seedEntry("t2", "completed", 200, now)))
	require.NoError(t, store.Record(ctx, seedEntry("t3", "failed", 0, now)))
	require.NoError(t, store.Record(ctx, seedEntry("t4", "cancelled", 0, now)))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Cancelled)
	assert.Equal(t, int64(300), stats.Bytes)

	removed, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)

	entries, err := store.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStoreReopens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")
	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(), seedEntry("t1", "completed", 100, time.Now())))
	require.NoError(t, store.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.List(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].ID)
}
