package db

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/framesync/internal/correlate"
	"github.com/banshee-data/framesync/internal/monitoring"
	"github.com/banshee-data/framesync/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDBAppliesMigrationsAndPragmas(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestMigrateDownAndUp(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='correlations'`).Scan(&n))
	assert.Equal(t, 0, n)

	require.NoError(t, db.MigrateUp())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestJournalRecordsRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))

	j, err := db.StartRun(ctx, "frame-sync 150 30", map[string]any{"tolerance_window_ms": 500}, clock)
	require.NoError(t, err)
	_, err = uuid.Parse(j.RunID())
	require.NoError(t, err)

	matched := correlate.Result{
		Matched:    true,
		TriggerID:  2,
		HardwareNs: 1050 * 1e6,
		PublishNs:  1051 * 1e6,
		DeliveryNs: 1150 * 1e6,
		Class:      correlate.ClassPast,
		ScoreMs:    100,
		DiffMs:     100,
		Evicted:    1,
		EvictedIDs: []uint64{1},
	}
	unmatched := correlate.Result{DeliveryNs: 5000 * 1e6, Class: correlate.ClassNone}
	future := correlate.Result{
		Matched: true, TriggerID: 9, HardwareNs: 6010 * 1e6, DeliveryNs: 6000 * 1e6,
		Class: correlate.ClassFuture, ScoreMs: 20, DiffMs: 10,
	}

	require.NoError(t, j.Record(ctx, 3, matched))
	require.NoError(t, j.Record(ctx, 6, unmatched))
	require.NoError(t, j.Record(ctx, 9, future))

	clock.Advance(time.Minute)
	require.NoError(t, j.Finish(ctx))

	got, err := db.RecentCorrelations(ctx, j.RunID(), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(9), got[0].FrameSeq)
	assert.Equal(t, uint64(3), got[2].FrameSeq)
	if diff := cmp.Diff(matched, got[2].Result); diff != "" {
		t.Errorf("matched result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(unmatched, got[1].Result); diff != "" {
		t.Errorf("unmatched result mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 100.0, got[2].LatencyMs)
	assert.Equal(t, -10.0, got[0].LatencyMs)

	limited, err := db.RecentCorrelations(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, uint64(9), limited[0].FrameSeq)

	summary, err := db.Summary(ctx, j.RunID())
	require.NoError(t, err)
	assert.Equal(t, ClassSummary{Past: 1, Future: 1, Unmatched: 1, Evicted: 1}, summary)

	runs, err := db.Runs(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, j.RunID(), runs[0].RunID)
	assert.Equal(t, int64(3), runs[0].Frames)
	require.NotNil(t, runs[0].FinishedNs)
	assert.Equal(t, time.Unix(1700000060, 0).UnixNano(), *runs[0].FinishedNs)
	assert.JSONEq(t, `{"tolerance_window_ms":500}`, string(runs[0].Config))
	assert.Equal(t, "frame-sync 150 30", runs[0].Command)
}

func TestRecordRequiresRun(t *testing.T) {
	db := newTestDB(t)
	j := &Journal{db: db, runID: "missing", clock: timeutil.RealClock{}}
	err := j.Record(context.Background(), 1, correlate.Result{})
	assert.Error(t, err)
}

func TestAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	_, err := db.StartRun(context.Background(), "test", struct{}{}, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.True(t, len(data) > 16)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
}
