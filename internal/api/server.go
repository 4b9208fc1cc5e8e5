package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/novalto/traind/internal/config"
	"github.com/novalto/traind/internal/progress"
	"github.com/novalto/traind/internal/queue"
	"github.com/novalto/traind/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	store   store.Store
	queue   *queue.JobQueue
	broker  *progress.Broker
	logger  *slog.Logger
	limiter *ownerLimiter
	cfg     config.Config
	started time.Time
}

// NewServer creates and configures a new HTTP server.
func NewServer(cfg config.Config, s store.Store, q *queue.JobQueue, b *progress.Broker, logger *slog.Logger) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		store:   s,
		queue:   q,
		broker:  b,
		logger:  logger,
		limiter: newOwnerLimiter(cfg.RateLimitPerMinute),
		cfg:     cfg,
		started: time.Now(),
	}

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-Novalto-User", "X-Novalto-Signature", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1", func(r chi.Router) {
		r.With(s.authenticate(true)).Get("/stats", s.handleGetStats)

		r.Route("/runs", func(r chi.Router) {
			r.With(s.authenticate(true), s.rateLimit).Post("/", s.handleCreateRun)

			r.Group(func(r chi.Router) {
				r.Use(s.authenticate(false))
				r.Get("/", s.handleListRuns)
				r.Get("/{id}", s.handleGetRun)
				r.Get("/{id}/artifacts", s.handleGetArtifacts)
				r.Get("/{id}/events", s.handleStreamEvents)
				r.Delete("/{id}", s.handleCancelRun)
			})
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
