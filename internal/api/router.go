// Package api serves the publish, results and health endpoints over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glimte/mailqueue/contracts"
	"github.com/glimte/mailqueue/health"
	"github.com/glimte/mailqueue/internal/notify"
)

// Enqueuer publishes email requests. *notify.Service implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, to, subject, body string) (notify.Receipt, error)
}

// ResultLister reads stored result records. results.Store implements it.
type ResultLister interface {
	List(ctx context.Context) ([]contracts.ResultRecord, error)
}

// Router manages API routing and handlers
type Router struct {
	engine        *gin.Engine
	enqueuer      Enqueuer
	results       ResultLister
	health        *health.Registry
	healthTimeout time.Duration
	logger        *slog.Logger
}

// Option configures the router
type Option func(*Router)

// WithResults serves records from lister. Without it /api/results returns [].
func WithResults(lister ResultLister) Option {
	return func(r *Router) {
		r.results = lister
	}
}

// WithHealth reports registry checks on /health
func WithHealth(registry *health.Registry) Option {
	return func(r *Router) {
		r.health = registry
	}
}

// WithHealthTimeout bounds one /health evaluation
func WithHealthTimeout(timeout time.Duration) Option {
	return func(r *Router) {
		r.healthTimeout = timeout
	}
}

// WithLogger sets the request logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates the API router
func NewRouter(enqueuer Enqueuer, options ...Option) *Router {
	r := &Router{
		engine:        gin.New(),
		enqueuer:      enqueuer,
		healthTimeout: 5 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

func (r *Router) setupMiddleware() {
	r.engine.Use(LoggingMiddleware(r.logger))
	r.engine.Use(ErrorHandlerMiddleware(r.logger))
	r.engine.Use(gin.Recovery())
}

func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.handleHealth)

	api := r.engine.Group("/api")
	{
		api.POST("/notify", r.handleNotify)
		api.GET("/results", r.handleResults)
	}
}

// Engine returns the underlying Gin engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// Server wraps the engine in an http.Server listening on addr
func (r *Router) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
