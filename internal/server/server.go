package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sundayezeilo/shortlink/internal/config"
	"github.com/sundayezeilo/shortlink/internal/httpx"
	"github.com/sundayezeilo/shortlink/internal/reconcile"
	"github.com/sundayezeilo/shortlink/internal/shortener"
)

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f(ctx).
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Reconciler runs one reconciliation pass on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (reconcile.Report, error)
}

// Metrics exposes the metrics endpoint and request instrumentation.
type Metrics interface {
	Handler() http.Handler
	Instrument(next http.Handler) http.Handler
}

// Deps groups the collaborators the server routes to. Nil Reconciler and
// Metrics disable their routes.
type Deps struct {
	Handler    *shortener.Handler
	Checks     map[string]Pinger
	Reconciler Reconciler
	Metrics    Metrics
}

// Server represents the HTTP server with all dependencies.
type Server struct {
	config *config.Config
	logger *slog.Logger
	deps   Deps
	server *http.Server
}

// New creates a new Server instance.
func New(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	return &Server{
		config: cfg,
		logger: logger,
		deps:   deps,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.applyMiddleware(s.setupRoutes())
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server",
			"addr", s.server.Addr,
			"env", s.config.App.Environment,
		)
		serverErrors <- s.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		s.logger.Info("received shutdown signal", "signal", sig.String())

	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	s.logger.Info("server stopped gracefully")
	return nil
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /x/health", s.healthCheckHandler)
	if s.deps.Reconciler != nil {
		mux.HandleFunc("POST /x/reconcile", s.reconcileHandler)
	}
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	h := s.deps.Handler
	mux.HandleFunc("POST /api/links", h.CreateLink)
	mux.HandleFunc("GET /api/links/{shortKey}", h.GetLink)
	mux.HandleFunc("PATCH /api/links/{shortKey}", h.UpdateLink)
	mux.HandleFunc("DELETE /api/links/{shortKey}", h.DeleteLink)
	mux.HandleFunc("GET /{shortKey}", h.ResolveLink)

	return mux
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	middlewares := []httpx.Middleware{
		httpx.Recovery(s.logger),
		httpx.RequestID,
		httpx.Logger(s.logger),
	}
	if s.deps.Metrics != nil {
		middlewares = append(middlewares, s.deps.Metrics.Instrument)
	}
	middlewares = append(middlewares,
		httpx.CORS(s.config.Server.CORSOrigins),
		httpx.Identity([]byte(s.config.Auth.JWTSecret)),
	)
	return httpx.Chain(middlewares...)(handler)
}

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// healthCheckHandler reports 503 when any dependency fails its ping.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:  "ok",
		Service: s.config.App.ServiceName,
		Version: s.config.App.ServiceVersion,
	}
	status := http.StatusOK

	if len(s.deps.Checks) > 0 {
		resp.Checks = make(map[string]string, len(s.deps.Checks))
		for name, p := range s.deps.Checks {
			if err := p.Ping(ctx); err != nil {
				s.logger.WarnContext(ctx, "health check failed", "dependency", name, "error", err.Error())
				resp.Checks[name] = "down"
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "up"
		}
	}

	httpx.WriteJSON(w, status, resp)
}

type reconcileResponse struct {
	Scanned   int   `json:"scanned"`
	Merged    int   `json:"merged"`
	Unchanged int   `json:"unchanged"`
	Failed    int   `json:"failed"`
	TookMS    int64 `json:"took_ms"`
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Reconciler.RunOnce(r.Context())
	switch {
	case errors.Is(err, reconcile.ErrRunInProgress), errors.Is(err, reconcile.ErrLockHeld):
		httpx.WriteError(w, http.StatusConflict, "conflict", err.Error(), nil)
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "manual reconciliation failed", "error", err.Error())
		httpx.WriteKindError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, reconcileResponse{
		Scanned:   report.Scanned,
		Merged:    report.Merged,
		Unchanged: report.Unchanged,
		Failed:    report.Failed,
		TookMS:    report.Took.Milliseconds(),
	})
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("shutting down server")

	if err := s.server.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("shutdown timeout exceeded, forcing close")
			return s.server.Close()
		}
		return err
	}
	return nil
}
