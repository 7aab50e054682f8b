// Package api provides the HTTP JSON interface of Routine Butler.
//
// It exposes endpoints to manage programs and routines, drive the active
// routine run, browse program run history and check which routine is due.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/RoutineButler/internal/alarm"
	"github.com/BTreeMap/RoutineButler/internal/program"
	"github.com/BTreeMap/RoutineButler/internal/session"
	"github.com/BTreeMap/RoutineButler/internal/store"
)

const (
	// DefaultAddr is the default listen address of the API server.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// MaxRequestBodyBytes caps JSON request bodies.
	MaxRequestBodyBytes = 1 << 20
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Deps are the services the API server exposes.
type Deps struct {
	UserID   string
	Store    store.Store
	Registry *program.Registry
	Sessions *session.Manager
	// Alarms is optional; without it no routine is ever due.
	Alarms *alarm.Watcher
}

// Server serves the HTTP API.
type Server struct {
	userID   string
	st       store.Store
	registry *program.Registry
	sessions *session.Manager
	alarms   *alarm.Watcher
	addr     string
	now      func() time.Time
}

// NewServer creates a Server over deps.
func NewServer(deps Deps, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		userID:   deps.UserID,
		st:       deps.Store,
		registry: deps.Registry,
		sessions: deps.Sessions,
		alarms:   deps.Alarms,
		addr:     o.Addr,
		now:      time.Now,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthHandler)

	mux.HandleFunc("GET /api/program-types", s.programTypesHandler)
	mux.HandleFunc("GET /api/programs", s.listProgramsHandler)
	mux.HandleFunc("POST /api/programs", s.createProgramHandler)
	mux.HandleFunc("GET /api/programs/{title}", s.getProgramHandler)
	mux.HandleFunc("PUT /api/programs/{title}", s.updateProgramHandler)
	mux.HandleFunc("DELETE /api/programs/{title}", s.deleteProgramHandler)

	mux.HandleFunc("GET /api/routines", s.listRoutinesHandler)
	mux.HandleFunc("POST /api/routines", s.createRoutineHandler)
	mux.HandleFunc("GET /api/routines/{title}", s.getRoutineHandler)
	mux.HandleFunc("PUT /api/routines/{title}", s.updateRoutineHandler)
	mux.HandleFunc("DELETE /api/routines/{title}", s.deleteRoutineHandler)

	mux.HandleFunc("GET /api/administration", s.administrationStatusHandler)
	mux.HandleFunc("POST /api/administration/start", s.startHandler)
	mux.HandleFunc("POST /api/administration/respond", s.respondHandler)
	mux.HandleFunc("POST /api/administration/skip", s.skipHandler)
	mux.HandleFunc("POST /api/administration/retry", s.retryHandler)
	mux.HandleFunc("POST /api/administration/abandon", s.abandonHandler)

	mux.HandleFunc("GET /api/runs", s.listRunsHandler)
	mux.HandleFunc("GET /api/alarms/due", s.dueHandler)

	return logRequests(mux)
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Routine Butler API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: graceful shutdown failed", "error", err)
			return err
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("Server: request handled", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
