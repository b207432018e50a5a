package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/framesync/internal/config"
	"github.com/banshee-data/framesync/internal/correlate"
	"github.com/banshee-data/framesync/internal/db"
	"github.com/banshee-data/framesync/internal/monitoring"
	"github.com/banshee-data/framesync/internal/pipeline"
)

type fakeSync struct {
	status pipeline.Status
	stats  *pipeline.Stats
}

func (f *fakeSync) Status() pipeline.Status { return f.status }
func (f *fakeSync) Stats() *pipeline.Stats  { return f.stats }

func newFakeSync(latencies ...float64) *fakeSync {
	stats := pipeline.NewStats(100)
	for i, l := range latencies {
		stats.Observe(pipeline.Output{
			Seq:    uint64(i + 1),
			Synced: true,
			Result: correlate.Result{
				Matched:    true,
				TriggerID:  uint64(i + 1),
				DeliveryNs: int64(l * 1e6),
				Class:      correlate.ClassPast,
			},
		})
	}
	stats.Skip()
	return &fakeSync{
		status: pipeline.Status{Running: true, State: "AWAITING_FRAME", QueueDepth: 4, DecimationRatio: 3},
		stats:  stats,
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestStatusWithoutJournal(t *testing.T) {
	s := NewServer(newFakeSync(150, 151), nil, "", nil)
	rec := get(t, s.ServeMux(), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "AWAITING_FRAME", body["state"])
	assert.Equal(t, float64(4), body["queue_depth"])
	assert.Contains(t, body, "version")
	assert.NotContains(t, body, "journal")
}

func TestStatusWithJournal(t *testing.T) {
	journal := openTestJournal(t)
	ctx := context.Background()
	run, err := journal.StartRun(ctx, "test", config.Empty(), nil)
	require.NoError(t, err)
	require.NoError(t, run.Record(ctx, 1, correlate.Result{Matched: true, TriggerID: 1, Class: correlate.ClassPast, DeliveryNs: 1}))
	require.NoError(t, run.Record(ctx, 2, correlate.Result{DeliveryNs: 2}))

	s := NewServer(newFakeSync(), journal, run.RunID(), nil)
	rec := get(t, s.ServeMux(), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RunID   string          `json:"run_id"`
		Journal db.ClassSummary `json:"journal"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, run.RunID(), body.RunID)
	assert.Equal(t, db.ClassSummary{Past: 1, Unmatched: 1}, body.Journal)
}

func TestCorrelationsFromJournal(t *testing.T) {
	journal := openTestJournal(t)
	ctx := context.Background()
	run, err := journal.StartRun(ctx, "test", nil, nil)
	require.NoError(t, err)
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, run.Record(ctx, seq, correlate.Result{Matched: true, TriggerID: seq, Class: correlate.ClassPast, DeliveryNs: int64(seq)}))
	}

	s := NewServer(newFakeSync(), journal, run.RunID(), nil)
	rec := get(t, s.ServeMux(), "/api/correlations?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []db.Correlation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, uint64(5), rows[0].FrameSeq)
	assert.Equal(t, uint64(4), rows[1].FrameSeq)
}

func TestCorrelationsEmptyJournalIsEmptyArray(t *testing.T) {
	s := NewServer(newFakeSync(), openTestJournal(t), "no-such-run", nil)
	rec := get(t, s.ServeMux(), "/api/correlations")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCorrelationsFromMemory(t *testing.T) {
	s := NewServer(newFakeSync(150, 160, 170), nil, "", nil)
	rec := get(t, s.ServeMux(), "/api/correlations")
	require.Equal(t, http.StatusOK, rec.Code)

	var outs []pipeline.Output
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outs))
	require.Len(t, outs, 3)
	assert.Equal(t, uint64(3), outs[0].Seq)
	assert.InDelta(t, 170, outs[0].LatencyMs, 1e-9)
}

func TestCorrelationsBadLimit(t *testing.T) {
	s := NewServer(newFakeSync(), nil, "", nil)
	for _, q := range []string{"limit=0", "limit=abc", "limit=1001"} {
		rec := get(t, s.ServeMux(), "/api/correlations?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(newFakeSync(), nil, "", nil)
	for _, path := range []string{"/api/status", "/api/correlations", "/api/config", "/api/charts/latency", "/api/charts/latency.png"} {
		rec := httptest.NewRecorder()
		s.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
		assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"), path)
	}
}

func TestShowConfig(t *testing.T) {
	s := NewServer(newFakeSync(), nil, "", config.Defaults())
	rec := get(t, s.ServeMux(), "/api/config")
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg config.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, 500.0, cfg.GetToleranceMs())
	assert.Equal(t, "150ms", *cfg.DeliveryDelay)
}

func TestLatencyChart(t *testing.T) {
	s := NewServer(newFakeSync(150, 152, 149), nil, "", nil)
	rec := get(t, s.ServeMux(), "/api/charts/latency")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(rec.Body.String(), "echarts"))
	assert.Contains(t, rec.Body.String(), "Exposure to delivery latency")
}

func TestLatencyHistogram(t *testing.T) {
	s := NewServer(newFakeSync(150, 152, 149, 155, 148), nil, "", nil)
	rec := get(t, s.ServeMux(), "/api/charts/latency.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}

func TestLatencyHistogramNoSamples(t *testing.T) {
	s := NewServer(newFakeSync(), nil, "", nil)
	rec := get(t, s.ServeMux(), "/api/charts/latency.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, format)
	})
	defer monitoring.SetLogger(nil)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := get(t, h, "/api/status?x=1")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.Len(t, lines, 1)
	assert.Equal(t, colorBoldRed+"418"+colorReset, statusCodeColor(http.StatusTeapot))
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(http.StatusOK))
	assert.Equal(t, colorYellow+"302"+colorReset, statusCodeColor(http.StatusFound))
}
