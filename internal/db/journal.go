package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/framesync/internal/correlate"
	"github.com/banshee-data/framesync/internal/timeutil"
)

// Run is one sync_runs row.
type Run struct {
	RunID      string          `json:"run_id"`
	StartedNs  int64           `json:"started_ns"`
	FinishedNs *int64          `json:"finished_ns,omitempty"`
	Command    string          `json:"command"`
	Config     json.RawMessage `json:"config"`
	Frames     int64           `json:"frames"`
}

// Correlation is one correlations row.
type Correlation struct {
	ID        int64            `json:"id"`
	RunID     string           `json:"run_id"`
	FrameSeq  uint64           `json:"frame_seq"`
	Result    correlate.Result `json:"result"`
	LatencyMs float64          `json:"latency_ms"`
}

// ClassSummary counts a run's results by classification.
type ClassSummary struct {
	Past      int64 `json:"past"`
	Future    int64 `json:"future"`
	Unmatched int64 `json:"unmatched"`
	Evicted   int64 `json:"evicted"`
}

// Journal appends results for a single run.
type Journal struct {
	db     *DB
	runID  string
	clock  timeutil.Clock
	frames atomic.Int64
}

// StartRun inserts a sync_runs row and returns a Journal bound to it. cfg
// is stored as JSON so a run can be reproduced.
func (db *DB) StartRun(ctx context.Context, command string, cfg any, clock timeutil.Clock) (*Journal, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run config: %w", err)
	}
	runID := uuid.NewString()
	_, err = db.ExecContext(ctx,
		`INSERT INTO sync_runs (run_id, started_ns, command, config_json) VALUES (?, ?, ?, ?)`,
		runID, timeutil.UnixNano(clock), command, string(cfgJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	logf("started sync run %s", runID)
	return &Journal{db: db, runID: runID, clock: clock}, nil
}

// RunID returns the run's UUID.
func (j *Journal) RunID() string { return j.runID }

// Record stores one forwarded frame's result.
func (j *Journal) Record(ctx context.Context, seq uint64, res correlate.Result) error {
	ids := res.EvictedIDs
	if ids == nil {
		ids = []uint64{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	var triggerID, hwNs, pubNs sql.NullInt64
	var latency sql.NullFloat64
	if res.Matched {
		triggerID = sql.NullInt64{Int64: int64(res.TriggerID), Valid: true}
		hwNs = sql.NullInt64{Int64: res.HardwareNs, Valid: true}
		pubNs = sql.NullInt64{Int64: res.PublishNs, Valid: true}
		latency = sql.NullFloat64{Float64: res.LatencyMs(), Valid: true}
	}

	_, err = j.db.ExecContext(ctx, `INSERT INTO correlations (
			run_id, frame_seq, matched, classification, trigger_id, hardware_ns,
			publish_ns, delivery_ns, latency_ms, score_ms, diff_ms, evicted_count, evicted_ids
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.runID, int64(seq), res.Matched, res.Class.String(), triggerID, hwNs,
		pubNs, res.DeliveryNs, latency, res.ScoreMs, res.DiffMs, res.Evicted, string(idsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to record frame %d: %w", seq, err)
	}
	j.frames.Add(1)
	return nil
}

// Finish stamps the run's end time and frame count.
func (j *Journal) Finish(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE sync_runs SET finished_ns = ?, frames = ? WHERE run_id = ?`,
		timeutil.UnixNano(j.clock), j.frames.Load(), j.runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", j.runID, err)
	}
	logf("finished sync run %s after %d frames", j.runID, j.frames.Load())
	return nil
}

// RecentCorrelations returns up to limit results, newest first. An empty
// runID covers all runs.
func (db *DB) RecentCorrelations(ctx context.Context, runID string, limit int) ([]Correlation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT correlation_id, run_id, frame_seq, matched, classification,
			trigger_id, hardware_ns, publish_ns, delivery_ns, score_ms, diff_ms, evicted_count, evicted_ids
		FROM correlations
		WHERE (? = '' OR run_id = ?)
		ORDER BY correlation_id DESC
		LIMIT ?`, runID, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Correlation
	for rows.Next() {
		var (
			c                      Correlation
			seq                    int64
			class, idsJSON         string
			triggerID, hwNs, pubNs sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.RunID, &seq, &c.Result.Matched, &class,
			&triggerID, &hwNs, &pubNs, &c.Result.DeliveryNs, &c.Result.ScoreMs, &c.Result.DiffMs,
			&c.Result.Evicted, &idsJSON); err != nil {
			return nil, err
		}
		c.FrameSeq = uint64(seq)
		c.Result.Class = parseClass(class)
		c.Result.TriggerID = uint64(triggerID.Int64)
		c.Result.HardwareNs = hwNs.Int64
		c.Result.PublishNs = pubNs.Int64
		if err := json.Unmarshal([]byte(idsJSON), &c.Result.EvictedIDs); err != nil {
			return nil, fmt.Errorf("bad evicted_ids for correlation %d: %w", c.ID, err)
		}
		if len(c.Result.EvictedIDs) == 0 {
			c.Result.EvictedIDs = nil
		}
		c.LatencyMs = c.Result.LatencyMs()
		out = append(out, c)
	}
	return out, rows.Err()
}

func parseClass(s string) correlate.Class {
	switch s {
	case correlate.ClassPast.String():
		return correlate.ClassPast
	case correlate.ClassFuture.String():
		return correlate.ClassFuture
	}
	return correlate.ClassNone
}

// Summary counts a run's results by class.
func (db *DB) Summary(ctx context.Context, runID string) (ClassSummary, error) {
	var s ClassSummary
	err := db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN classification = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN classification = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN matched = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(evicted_count), 0)
		FROM correlations WHERE run_id = ?`,
		correlate.ClassPast.String(), correlate.ClassFuture.String(), runID,
	).Scan(&s.Past, &s.Future, &s.Unmatched, &s.Evicted)
	return s, err
}

// Runs returns up to limit runs, newest first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `SELECT run_id, started_ns, finished_ns, command, config_json, frames
		FROM sync_runs ORDER BY started_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			finished sql.NullInt64
			cfg      string
		)
		if err := rows.Scan(&r.RunID, &r.StartedNs, &finished, &r.Command, &cfg, &r.Frames); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedNs = &finished.Int64
		}
		r.Config = json.RawMessage(cfg)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
