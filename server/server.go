// Package server handles the ops HTTP endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sph-notifier/pkg/notifier"
	"sph-notifier/poll"
)

// StatusSource interface for reading the poll loop's progress.
type StatusSource interface {
	Status() poll.Status
}

// Poller interface for triggering an extra tick.
type Poller interface {
	TryTick(ctx context.Context) error
}

// Archives interface for reading stored daily archives.
type Archives interface {
	ListArchives(ctx context.Context) ([]string, error)
	LoadArchive(ctx context.Context, day string) (*notifier.DailyArchive, error)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	status      StatusSource
	poller      Poller
	archives    Archives
	logger      *slog.Logger
	isNotFound  IsNotFound
	staleAfter  time.Duration
	tickTimeout time.Duration
}

// Config holds server configuration.
type Config struct {
	Status     StatusSource
	Poller     Poller
	Archives   Archives
	Logger     *slog.Logger
	IsNotFound IsNotFound
	StaleAfter time.Duration // Health degrades when no tick ran for this long; 0 disables

	// TickTimeout bounds a tick triggered through /pollz; defaults to DefaultTickTimeout.
	TickTimeout time.Duration
}

// DefaultTickTimeout bounds a tick triggered through /pollz.
const DefaultTickTimeout = 5 * time.Minute

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	tickTimeout := cfg.TickTimeout
	if tickTimeout <= 0 {
		tickTimeout = DefaultTickTimeout
	}
	return &Server{
		status:      cfg.Status,
		poller:      cfg.Poller,
		archives:    cfg.Archives,
		logger:      cfg.Logger,
		isNotFound:  cfg.IsNotFound,
		staleAfter:  cfg.StaleAfter,
		tickTimeout: tickTimeout,
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/archives", s.handleArchives)
	mux.HandleFunc("/archives/", s.handleArchive)
	return mux
}

// ListenAndServe serves on port until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown failed", "error", err)
		}
	}()

	s.logger.Info("Starting HTTP server", "port", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status string      `json:"status"`
	Poll   poll.Status `json:"poll"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := s.status.Status()
	resp := healthResponse{Status: "healthy", Poll: st}
	code := http.StatusOK
	switch {
	case st.Ticks == 0:
		resp.Status = "starting"
	case s.staleAfter > 0 && time.Since(st.LastTick) > s.staleAfter:
		resp.Status = "stale"
		code = http.StatusServiceUnavailable
	case !st.Healthy():
		resp.Status = "degraded"
	}

	s.writeJSON(w, code, resp)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	// Entries are recorded before they are sent, so a dropped client must not
	// cut the tick short between the two.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.tickTimeout)
	defer cancel()

	if err := s.poller.TryTick(ctx); err != nil {
		if errors.Is(err, poll.ErrTickInProgress) {
			http.Error(w, "Tick already running", http.StatusConflict)
			return
		}
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleArchives(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	days, err := s.archives.ListArchives(r.Context())
	if err != nil {
		s.logger.Error("Failed to list archives", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if days == nil {
		days = []string{}
	}

	s.writeJSON(w, http.StatusOK, map[string][]string{"days": days})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	day := strings.TrimPrefix(r.URL.Path, "/archives/")
	if _, err := time.Parse(notifier.DayLayout, day); err != nil {
		http.Error(w, "Invalid day", http.StatusBadRequest)
		return
	}

	archive, err := s.archives.LoadArchive(r.Context(), day)
	if err != nil {
		if s.isNotFound != nil && s.isNotFound(err) {
			http.Error(w, "Archive not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to load archive", "day", day, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, archive)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
