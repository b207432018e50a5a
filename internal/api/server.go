// Package api serves the synchroniser's status, results and charts over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/framesync/internal/config"
	"github.com/banshee-data/framesync/internal/db"
	"github.com/banshee-data/framesync/internal/httputil"
	"github.com/banshee-data/framesync/internal/monitoring"
	"github.com/banshee-data/framesync/internal/pipeline"
	"github.com/banshee-data/framesync/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultCorrelationLimit = 50
	maxCorrelationLimit     = 1000
)

// Synchronizer is the part of *pipeline.Synchronizer the API reads.
type Synchronizer interface {
	Status() pipeline.Status
	Stats() *pipeline.Stats
}

// Journal is the part of *db.DB the API reads.
type Journal interface {
	RecentCorrelations(ctx context.Context, runID string, limit int) ([]db.Correlation, error)
	Summary(ctx context.Context, runID string) (db.ClassSummary, error)
}

type Server struct {
	sync    Synchronizer
	journal Journal
	runID   string
	cfg     *config.Config
}

// NewServer creates a Server. journal may be nil, in which case results come
// from the synchroniser's in-memory window.
func NewServer(sync Synchronizer, journal Journal, runID string, cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Empty()
	}
	return &Server{sync: sync, journal: journal, runID: runID, cfg: cfg}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/correlations", s.listCorrelations)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/charts/latency", s.latencyChart)
	mux.HandleFunc("/api/charts/latency.png", s.latencyHistogram)
	return mux
}

type statusResponse struct {
	pipeline.Status
	RunID   string           `json:"run_id,omitempty"`
	Version version.Info     `json:"version"`
	Journal *db.ClassSummary `json:"journal,omitempty"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	resp := statusResponse{
		Status:  s.sync.Status(),
		RunID:   s.runID,
		Version: version.Get(),
	}
	if s.journal != nil && s.runID != "" {
		summary, err := s.journal.Summary(r.Context(), s.runID)
		if err != nil {
			httputil.InternalServerError(w, "failed to summarise journal: "+err.Error())
			return
		}
		resp.Journal = &summary
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) listCorrelations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	limit := defaultCorrelationLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > maxCorrelationLimit {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	if s.journal == nil {
		httputil.WriteJSONOK(w, s.sync.Stats().Recent(limit))
		return
	}

	rows, err := s.journal.RecentCorrelations(r.Context(), s.runID, limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to read correlations: "+err.Error())
		return
	}
	if rows == nil {
		rows = []db.Correlation{}
	}
	httputil.WriteJSONOK(w, rows)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.cfg)
}
