// Package api provides the HTTP API server and handlers for fswatch.
package api

import (
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/listenupapp/fswatch/internal/catalog"
	"github.com/listenupapp/fswatch/internal/metrics"
	"github.com/listenupapp/fswatch/internal/ratelimit"
	"github.com/listenupapp/fswatch/internal/sse"
	"github.com/listenupapp/fswatch/internal/validation"
	"github.com/listenupapp/fswatch/internal/watcher"
)

// Version is reported in the OpenAPI document.
const Version = "1.0.0"

// Deps are the collaborators the server needs.
type Deps struct {
	Registry    *watcher.Registry
	Catalog     *catalog.Catalog
	SSEManager  *sse.Manager
	Metrics     *metrics.Metrics
	Limiter     *ratelimit.KeyedRateLimiter
	Defaults    watcher.Options
	CORSOrigins []string
	Logger      *slog.Logger
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	registry   *watcher.Registry
	catalog    *catalog.Catalog
	sseManager *sse.Manager
	sseHandler *sse.Handler
	metrics    *metrics.Metrics
	limiter    *ratelimit.KeyedRateLimiter
	validator  *validation.Validator
	defaults   watcher.Options
	router     *chi.Mux
	api        huma.API
	logger     *slog.Logger
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		registry:   deps.Registry,
		catalog:    deps.Catalog,
		sseManager: deps.SSEManager,
		metrics:    deps.Metrics,
		limiter:    deps.Limiter,
		validator:  validation.New(),
		defaults:   deps.Defaults,
		router:     chi.NewRouter(),
		logger:     logger,
	}
	if s.sseManager != nil {
		s.sseHandler = sse.NewHandler(s.sseManager, deps.Defaults, logger)
	}

	s.setupMiddleware(deps.CORSOrigins)

	humaConfig := huma.DefaultConfig("fswatch API", Version)
	s.api = humachi.New(s.router, humaConfig)
	RegisterErrorHandler()

	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupMiddleware configures middleware stack.
func (s *Server) setupMiddleware(origins []string) {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.registerHealthRoutes()
	s.registerBackendRoutes()
	s.registerSnapshotRoutes()

	// Streams and metrics are plain handlers outside the OpenAPI surface.
	if s.sseHandler != nil {
		s.router.Get("/api/v1/watch", s.sseHandler.ServeHTTP)
	}
	s.router.Handle("/metrics", s.metrics.Handler())
}

// requestLogger logs one line per request with the structured logger.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
