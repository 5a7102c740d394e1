package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/esp-monitor/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, batchSize int) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "history.duckdb"), batchSize)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func archiveLines(store *Store, session string, tag models.OriginTag, n int, base time.Time) {
	for i := 1; i <= n; i++ {
		store.Append(session, models.LineRecord{
			Seq:        uint64(i),
			Text:       fmt.Sprintf("%s line %d", session, i),
			Tag:        tag,
			Severity:   models.SeverityInfo,
			CapturedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
	}
}

func TestAppendFlushQueryRoundTrip(t *testing.T) {
	store := newTestStore(t, 100)
	base := time.Now()

	archiveLines(store, "sess-a", models.TagDebug, 5, base)
	require.Equal(t, 5, store.Len())
	require.NoError(t, store.Flush())

	lines, total, err := store.QueryLines(context.Background(), Query{Session: "sess-a"})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, lines, 5)
	assert.Equal(t, "sess-a line 1", lines[0].Text)
	assert.Equal(t, "sess-a line 5", lines[4].Text)
	assert.Equal(t, uint64(1), lines[0].Seq)
	assert.Equal(t, models.TagDebug, lines[0].Tag)
	assert.Equal(t, models.SeverityInfo, lines[0].Severity)
	assert.NoError(t, store.LastError())
}

func TestQueryFlushesPendingBatch(t *testing.T) {
	store := newTestStore(t, 1000)
	archiveLines(store, "sess-a", models.TagDebug, 3, time.Now())

	// No explicit Flush; the query must still see the batched rows.
	_, total, err := store.QueryLines(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestAutoFlushAtBatchSize(t *testing.T) {
	store := newTestStore(t, 2)
	archiveLines(store, "sess-a", models.TagDebug, 4, time.Now())

	assert.Equal(t, 4, store.Len())
	assert.NoError(t, store.LastError())
}

func TestQueryFilterAndPaging(t *testing.T) {
	store := newTestStore(t, 100)
	base := time.Now()
	archiveLines(store, "sess-a", models.TagDebug, 7, base)
	archiveLines(store, "sess-b", models.TagLog, 3, base.Add(time.Second))

	lines, total, err := store.QueryLines(context.Background(), Query{Tag: models.TagLog})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, l := range lines {
		assert.Equal(t, models.TagLog, l.Tag)
		assert.Equal(t, "sess-b", l.Session)
	}

	page1, total, err := store.QueryLines(context.Background(), Query{Session: "sess-a", Page: 1, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page1, 3)
	assert.Equal(t, "sess-a line 1", page1[0].Text)

	page3, _, err := store.QueryLines(context.Background(), Query{Session: "sess-a", Page: 3, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "sess-a line 7", page3[0].Text)
}

func TestSessionsMostRecentFirst(t *testing.T) {
	store := newTestStore(t, 100)
	base := time.Now()
	archiveLines(store, "older", models.TagDebug, 2, base.Add(-time.Hour))
	archiveLines(store, "newer", models.TagDebug, 2, base)

	sessions, err := store.Sessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"newer", "older"}, sessions)
}

func TestPruneDropsOldLines(t *testing.T) {
	store := newTestStore(t, 100)
	base := time.Now()
	archiveLines(store, "ancient", models.TagDebug, 3, base.Add(-48*time.Hour))
	archiveLines(store, "recent", models.TagDebug, 2, base)

	require.NoError(t, store.Prune(24*time.Hour))

	_, total, err := store.QueryLines(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, store.Len())
}

func TestQueriesAfterCloseReturnError(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "history.duckdb"), 10)
	require.NoError(t, err)
	archiveLines(store, "sess-a", models.TagDebug, 2, time.Now())
	require.NoError(t, store.Close())
	require.NoError(t, store.Close()) // idempotent

	// The prune ticker can fire during shutdown; it must get an error, not
	// a panic.
	assert.ErrorIs(t, store.Prune(time.Hour), ErrStoreClosed)

	_, _, err = store.QueryLines(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrStoreClosed)

	_, err = store.Sessions(context.Background())
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestReopenSeesPersistedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.duckdb")

	store, err := NewStore(path, 10)
	require.NoError(t, err)
	archiveLines(store, "sess-a", models.TagDebug, 4, time.Now())
	require.NoError(t, store.Close())

	reopened, err := NewStore(path, 10)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 4, reopened.Len())
	_, total, err := reopened.QueryLines(context.Background(), Query{Session: "sess-a"})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
}
