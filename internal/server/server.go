// Package server provides the HTTP API for the embedd service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/embedd/internal/config"
	"github.com/hyperjump/embedd/internal/dispatch"
	"github.com/hyperjump/embedd/internal/metrics"
	"github.com/hyperjump/embedd/internal/modelcache"
	"github.com/hyperjump/embedd/internal/storage"
)

// requestIDHeader carries the per-request correlation ID.
const requestIDHeader = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = 0

// Server is the HTTP server for the embedd API.
type Server struct {
	dispatcher *dispatch.Dispatcher
	cache      *modelcache.Cache
	recorder   *metrics.Recorder
	audit      *storage.SQLiteAudit // optional; enables load history after eviction
	cfg        *config.Config
	logger     *zap.Logger
	limiter    *ipRateLimiter
	server     *http.Server
}

// NewServer creates a server with the given dependencies. audit may be nil.
func NewServer(
	dispatcher *dispatch.Dispatcher,
	cache *modelcache.Cache,
	recorder *metrics.Recorder,
	audit *storage.SQLiteAudit,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		dispatcher: dispatcher,
		cache:      cache,
		recorder:   recorder,
		audit:      audit,
		cfg:        cfg,
		logger:     logger,
		limiter:    newIPRateLimiter(cfg.Server.RateLimit),
	}
}

// Router builds the chi router with all middleware and routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if s.cfg.Server.CORS.EnabledOrDefault() {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.Server.CORS.Origins,
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Use(s.limiter.Middleware)

	r.Post("/embed", s.handleEmbed)
	r.Post("/embed/batch", s.handleEmbedBatch)
	r.Get("/health", s.handleHealth)
	r.Get("/models", s.handleListModels)
	r.Get("/models/{name}", s.handleModelInfo)
	r.Get("/metrics", s.handleMetrics)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(ctx context.Context) error {
	s.limiter.StartJanitor(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// ApplyConfig picks up reloadable settings from a freshly loaded config:
// the model allowlist and the rate limiter knobs. Everything else requires
// a restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.dispatcher.SetAllowedModels(cfg.Models.Allowed)
	s.limiter.SetConfig(cfg.Server.RateLimit)
	s.logger.Info("applied reloaded config",
		zap.Strings("allowed_models", cfg.Models.Allowed),
		zap.Bool("rate_limit_enabled", cfg.Server.RateLimit.Enabled),
	)
}

// requestID tags every request with a correlation ID, echoed in the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
