// Package http provides the diagnostics HTTP server for tickq.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET  /health
//	GET  /metrics
//	GET  /api/snapshot
//	GET  /api/timebases
//	GET  /api/events
//	GET  /api/jobs
//	GET  /api/jobs/{name}
//	PUT  /api/jobs/{name}/period
//	POST /api/jobs/{name}/stop
//	POST /api/jobs/{name}/start
//	GET  /api/ws
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/tickq/internal/app"
	"github.com/snehjoshi/tickq/internal/config"
	"github.com/snehjoshi/tickq/internal/logging"
	"github.com/snehjoshi/tickq/internal/metrics"
	transportws "github.com/snehjoshi/tickq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with tickq route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around an App. reg may be nil, in which case /metrics
// is not served and requests are not observed.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(a *app.App, cfg *config.Config, reg *metrics.Registry, log zerolog.Logger) *Server {
	h := &Handler{app: a}
	log = logging.Component(log, "http")

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	if reg != nil && cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, reg.Handler())
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/snapshot", h.snapshot)
	api.HandleFunc("GET /api/timebases", h.timebases)
	api.HandleFunc("GET /api/events", h.events)
	api.HandleFunc("GET /api/jobs", h.listJobs)
	api.HandleFunc("GET /api/jobs/{name}", h.getJob)
	api.HandleFunc("PUT /api/jobs/{name}/period", h.setPeriod)
	api.HandleFunc("POST /api/jobs/{name}/stop", h.stopJob)
	api.HandleFunc("POST /api/jobs/{name}/start", h.startJob)
	api.Handle("GET /api/ws", &transportws.Handler{App: a, Log: logging.Component(log, "ws")})
	mux.Handle("/api/", chain(api,
		AuthMiddleware(cfg.HTTP.APIKey),
		RateLimitMiddleware(cfg.HTTP.RateLimit, cfg.HTTP.Burst),
	))

	// Build middleware chain: recover → logging → body limit
	handler := chain(mux,
		RecoverMiddleware(log),
		LoggingMiddleware(log, reg),
		MaxBodyMiddleware,
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
