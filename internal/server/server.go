// Package server exposes a small read-only HTTP surface for a running loop:
// health, a JSON status snapshot, recent run history and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leapmux/ralph/internal/history"
	"github.com/leapmux/ralph/internal/logging"
	"github.com/leapmux/ralph/internal/metrics"
	"github.com/leapmux/ralph/internal/runner"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

// StatusSource provides the loop snapshot served at /status.
type StatusSource interface {
	Snapshot() runner.Snapshot
}

// RunLister provides run history. It is optional.
type RunLister interface {
	Recent(ctx context.Context, limit int) ([]history.Run, error)
	Totals(ctx context.Context, sessionID string) (history.Totals, error)
}

// NewRouter builds the HTTP handler. runs may be nil, in which case
// /runs responds 404.
func NewRouter(status StatusSource, runs RunLister) http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.HTTPMiddleware)
	r.Use(recovery)

	h := &handler{status: status, runs: runs}
	r.Get("/healthz", h.health)
	r.Get("/status", h.snapshot)
	if runs != nil {
		r.Get("/runs", h.recentRuns)
	}
	r.Handle("/metrics", promhttp.Handler())

	return logging.HTTPMiddleware(r)
}

type handler struct {
	status StatusSource
	runs   RunLister
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

type statusResponse struct {
	runner.Snapshot
	Totals *history.Totals `json:"totals,omitempty"`
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Snapshot: h.status.Snapshot()}
	if h.runs != nil {
		totals, err := h.runs.Totals(r.Context(), resp.SessionID)
		if err != nil {
			slog.Warn("failed to load run totals", "error", err)
		} else {
			resp.Totals = &totals
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) recentRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.runs.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered", "error", err, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Server serves the router on one TCP listener.
type Server struct {
	server *http.Server
	ln     net.Listener
}

// Listen binds addr. Use "127.0.0.1:0" for an ephemeral port.
func Listen(addr string, h http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp: %w", err)
	}
	return &Server{
		server: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln: ln,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until ctx is cancelled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	slog.Info("status server listening", "addr", s.Addr())
	err := s.server.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-shutdownDone
		return nil
	}
	return err
}
