// Package server serves the ready-to-merge report over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/cache"
	"github.com/codeGROOVE-dev/ready-to-merge/pkg/render"
	"github.com/codeGROOVE-dev/ready-to-merge/pkg/types"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 10 * time.Second

	// DefaultWriteTimeout covers a cold generation across several orgs.
	DefaultWriteTimeout = 5 * time.Minute

	errorBody = "Error generating PR report"
)

// RowSource produces report rows for a set of orgs.
type RowSource interface {
	Rows(ctx context.Context, orgs []string) ([]types.ReportRow, error)
}

// Renderer turns rows into markdown and HTML.
type Renderer interface {
	Render(rows []types.ReportRow, generatedAt time.Time) (render.Output, error)
}

// Store persists the latest report across restarts.
type Store interface {
	Load() (types.Report, bool)
	Save(report types.Report) error
}

// HealthReporter describes background components for the health endpoint.
// Each map carries at least an "org" key.
type HealthReporter interface {
	HealthStatus() []map[string]any
}

// Config configures a Server.
type Config struct {
	// Monitors is optional; when set, their status is appended to health output.
	Monitors     HealthReporter
	Addr         string
	Orgs         []string
	WriteTimeout time.Duration
}

// Server answers report requests from a regeneration cache.
type Server struct {
	regen    *cache.Regenerator[types.Report]
	rows     RowSource
	renderer Renderer
	store    Store
	metrics  *Metrics
	now      func() time.Time
	cfg      Config
}

// New creates a Server. store may be nil.
func New(cfg Config, regen *cache.Regenerator[types.Report], rows RowSource, renderer Renderer, store Store) *Server {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Server{
		cfg:      cfg,
		regen:    regen,
		rows:     rows,
		renderer: renderer,
		store:    store,
		metrics:  NewMetrics(),
		now:      time.Now,
	}
}

// Metrics returns the server's generation metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Restore seeds the cache with the persisted report, if there is one.
func (s *Server) Restore() bool {
	if s.store == nil {
		return false
	}
	report, ok := s.store.Load()
	if !ok {
		return false
	}
	if !s.regen.Seed(report, report.GeneratedAt) {
		return false
	}
	slog.Info("Serving persisted report until it expires", "component", "server",
		"id", report.ID, "generated_at", report.GeneratedAt, "remaining", s.regen.Remaining(report.GeneratedAt))
	return true
}

// Generate aggregates, renders and persists a new report. It is the refresh
// function handed to the regeneration cache. Every failed attempt, panics
// included, is recorded once in Metrics.
func (s *Server) Generate(ctx context.Context) (report types.Report, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.metrics.RecordFailure(fmt.Errorf("generation panicked: %v", p))
			panic(p)
		}
		if err != nil {
			s.metrics.RecordFailure(err)
		}
	}()

	start := time.Now()
	rows, err := s.rows.Rows(ctx, s.cfg.Orgs)
	if err != nil {
		return types.Report{}, fmt.Errorf("aggregating pull requests: %w", err)
	}

	generatedAt := s.now()
	out, err := s.renderer.Render(rows, generatedAt)
	if err != nil {
		return types.Report{}, fmt.Errorf("rendering report: %w", err)
	}

	report = types.Report{
		ID:          ulid.MustNew(ulid.Timestamp(generatedAt), ulid.DefaultEntropy()).String(),
		GeneratedAt: generatedAt,
		Rows:        rows,
		Markdown:    out.Markdown,
		HTML:        out.HTML,
	}

	if s.store != nil {
		if err := s.store.Save(report); err != nil {
			slog.Warn("Failed to persist report", "component", "server", "id", report.ID, "error", err)
		}
	}

	took := time.Since(start)
	s.metrics.RecordGeneration(report, s.cfg.Orgs, took)
	slog.Info("Generated report", "component", "server", "id", report.ID, "rows", len(rows), "duration", took)
	return report, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleReport)
	mux.HandleFunc("GET /report.md", s.handleMarkdown)
	mux.HandleFunc("GET /_-_/health", s.handleHealth)
	return mux
}

// current returns the report to serve, regenerating it when stale.
func (s *Server) current(w http.ResponseWriter, r *http.Request) (cache.Entry[types.Report], bool) {
	entry, err := s.regen.GetOrRefresh(r.Context(), s.Generate)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("Client went away while waiting for report", "component", "server", "path", r.URL.Path)
		} else {
			slog.Error("Error generating PR report", "component", "server", "path", r.URL.Path, "error", err)
		}
		http.Error(w, errorBody, http.StatusInternalServerError)
		return entry, false
	}

	etag := `"` + entry.Value.ID + `"`
	maxAge := int(math.Ceil(s.regen.Remaining(entry.GeneratedAt).Seconds()))
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(maxAge))
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return entry, false
	}
	return entry, true
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.current(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(entry.Value.HTML); err != nil {
		slog.Warn("Failed to write response", "component", "server", "error", err)
	}
}

func (s *Server) handleMarkdown(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.current(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	if _, err := w.Write([]byte(entry.Value.Markdown)); err != nil {
		slog.Warn("Failed to write response", "component", "server", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.metrics.Stats()
	st := s.regen.Status()

	status := "ok"
	statusCode := http.StatusOK
	if stats.Failing() {
		status = "failing"
		statusCode = http.StatusServiceUnavailable
	}

	response := fmt.Sprintf("%s - cache %s (refreshing: %t, generated: %s), %d generations, %d failures, %d organizations, %d PRs seen, %d in last report\n",
		status, st.State, st.Refreshing, formatTime(st.GeneratedAt),
		stats.Generations, stats.Failures, stats.Orgs, stats.PRsSeen, stats.LastRows)
	if stats.Failing() {
		response += "last error: " + stats.LastError + "\n"
	}
	if s.cfg.Monitors != nil {
		for _, m := range s.cfg.Monitors.HealthStatus() {
			lastEvent, _ := m["last_event_at"].(time.Time)
			response += fmt.Sprintf("events %v: running=%v connected=%v reconnect_attempts=%v last event: %s\n",
				m["org"], m["is_running"], m["is_connected"], m["reconnect_attempts"], formatTime(lastEvent))
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := w.Write([]byte(response)); err != nil {
		slog.Warn("Failed to write response", "component", "server", "error", err)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       idleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "component", "server", "addr", s.cfg.Addr, "orgs", s.cfg.Orgs)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down server", "component", "server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
