// Package server exposes the HTTP surface: webhook ingestion, rollback
// operations, deployment status, and out-of-band pipeline events.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shipway/internal/integration"
	"shipway/internal/ledger"
	"shipway/internal/pipeline"
	"shipway/internal/rollback"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute
	GlobalRateLimit  = 60
	WebhookRateLimit = 12
)

// Server represents the HTTP server.
type Server struct {
	Trigger      *pipeline.Trigger
	Rollback     *rollback.Engine
	Ledger       *ledger.Store
	Integrations *integration.Store
	Logger       *slog.Logger

	// Commits resolves release targets that arrive as branch or tag
	// names instead of commit SHAs.
	Commits CommitResolver

	// WebhookSecret gates /webhook and /pipeline/events.
	WebhookSecret string

	// MainBranch is the branch push events deploy from.
	MainBranch string

	// TestMode disables rate limiting.
	TestMode bool

	httpServer *http.Server
}

// Router creates and configures the HTTP router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, s.Logger))
	}

	r.Get("/health", s.HandleHealth)
	r.Get("/deployments/{owner}/{repo}", s.HandleDeployments)

	r.Post("/rollback/commit", s.HandleRollbackCommit)
	r.Post("/rollback/previous", s.HandleRollbackPrevious)
	r.Get("/rollback/candidates/{owner}/{repo}", s.HandleCandidates)
	r.Get("/rollback/diagnose/{owner}/{repo}", s.HandleDiagnose)

	r.Post("/pipeline/events", s.HandlePipelineEvent)

	if !s.TestMode {
		r.With(NewWebhookRateLimitMiddleware(WebhookRateLimit, s.Logger)).Post("/webhook", s.HandleWebhook)
	} else {
		r.Post("/webhook", s.HandleWebhook)
	}

	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then waits for in-flight
// deployment attempts to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	s.Trigger.Wait()
	return nil
}
