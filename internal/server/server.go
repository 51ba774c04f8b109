// Package server hosts the local HTTP backend that views and the browser
// extension talk to.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/api"
	"github.com/ziadkadry99/nabokov/internal/metrics"
)

// localOrigins are the browser origins allowed to call the backend: local
// pages and the extension itself.
var localOrigins = []string{"http://localhost:*", "http://127.0.0.1:*", "chrome-extension://*"}

// AllowedOrigins returns the CORS and websocket origin patterns.
func AllowedOrigins(allowAll bool) []string {
	if allowAll {
		return []string{"*"}
	}
	return append([]string(nil), localOrigins...)
}

// Config holds server configuration.
type Config struct {
	Addr     string
	AllowAll bool   // allow all CORS origins (dev mode)
	Provider string // reported by /health
}

// Server owns the router and the listening HTTP server. Feature packages
// mount their routes on Router.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	router     chi.Router
	httpServer *http.Server
}

// New creates a server. m may be nil.
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: logger, metrics: m}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	// The extension calls from chrome-extension:// origins.
	corsOpts := cors.Options{
		AllowedOrigins:   AllowedOrigins(false),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.cfg.AllowAll {
		corsOpts.AllowedOrigins = []string{"*"}
		corsOpts.AllowCredentials = false
	}
	r.Use(cors.Handler(corsOpts))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
			"message":   "Nabokov backend server is running",
			"provider":  s.cfg.Provider,
		})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	return r
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() chi.Router { return s.router }

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams and websockets stay open; no write timeout.
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("nabokov server listening", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
