// Package dashboard serves read-only HTML and JSON views of the key
// pool and the task log. It never exposes key values and offers no
// mutating endpoints; quota changes go through the CLI.
package dashboard

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"agent-key-broker/internal/config"
	"agent-key-broker/internal/monitor"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Healthy(ctx context.Context) bool
}

// Server is the dashboard HTTP server.
type Server struct {
	httpServer *http.Server
	cfg        *config.Config
	startTime  time.Time
}

type healthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}

// NewServer wires routes and the middleware chain. metrics may be nil
// when the metrics endpoint is disabled.
func NewServer(cfg *config.Config, handlers *Handlers, db Pinger, metrics *monitor.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no dashboard keys configured — dashboard is open to anyone who can reach it")
	}

	pages := http.NewServeMux()
	pages.HandleFunc("GET /{$}", handlers.HandleUsage)
	pages.HandleFunc("GET /tasks", handlers.HandleTasks)
	pages.HandleFunc("GET /keys", handlers.HandleKeys)
	pages.HandleFunc("GET /interactions", handlers.HandleInteractions)
	pages.HandleFunc("GET /command_log", handlers.HandleCommands)
	pages.HandleFunc("GET /api/keys", handlers.HandleAPIKeys)
	pages.HandleFunc("GET /api/tasks", handlers.HandleAPITasks)
	pages.HandleFunc("GET /api/usage", handlers.HandleAPIUsage)

	authed := AuthMiddleware(cfg.Security.AllowedKeys)(pages)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(db))
	if metrics != nil && cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authed)

	// Middleware chain, outermost first.
	var handler http.Handler = mux
	if metrics != nil {
		handler = MetricsMiddleware(metrics)(handler)
	}
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the assembled middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())

		resp := healthResponse{
			Status:   "ok",
			Database: dbOK,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}
		if !dbOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
