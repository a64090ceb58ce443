// Package api exposes the engine over an authenticated HTTP surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-executor/internal/engine"
	"trade-executor/internal/jobs"
	"trade-executor/internal/logging"
	"trade-executor/internal/metrics"
	"trade-executor/internal/storage"
)

// Engine is the orchestrator surface the API drives; *engine.Engine
// satisfies it.
type Engine interface {
	DryRun() bool
	Build(ctx context.Context, req engine.BuildRequest) (engine.Result, error)
	Send(ctx context.Context, tradeID string, req engine.SendRequest) (engine.Result, error)
	Rebuild(ctx context.Context, tradeID string) (engine.Result, error)
	Confirm(ctx context.Context, tradeID string) (engine.Result, error)
	Get(ctx context.Context, tradeID string) (*storage.Trade, []storage.TradeEvent, error)
	ListBreakers(ctx context.Context, key *storage.ScopeKey) ([]storage.CircuitBreaker, error)
	TripBreaker(ctx context.Context, key storage.ScopeKey, name, reason, actor string, current, threshold decimal.Decimal) (*storage.CircuitBreaker, error)
	ResetBreaker(ctx context.Context, key storage.ScopeKey, name, actor string) (*storage.CircuitBreaker, error)
}

// Options configure the HTTP surface.
type Options struct {
	JWTSecret      string
	RatePerSecond  float64
	Burst          int
	RequestTimeout time.Duration
	Version        string
}

// Server wires HTTP endpoints around the engine and the job runner.
type Server struct {
	router  *gin.Engine
	engine  Engine
	runner  *jobs.Runner
	metrics *metrics.Metrics
	opts    Options
	logger  zerolog.Logger
}

// NewServer builds the router and its middleware stack.
func NewServer(opts Options, eng Engine, runner *jobs.Runner, m *metrics.Metrics, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	logger = logging.Component(logger, "api")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware(opts.RatePerSecond, opts.Burst, logger))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))

	s := &Server{
		router:  r,
		engine:  eng,
		runner:  runner,
		metrics: m,
		opts:    opts,
		logger:  logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := s.router.Group("/api")
	api.Use(AuthMiddleware(s.opts.JWTSecret))
	{
		api.POST("/trades", s.buildTrade)
		api.GET("/trades/:id", s.getTrade)
		api.POST("/trades/:id/send", s.sendTrade)
		api.POST("/trades/:id/rebuild", s.rebuildTrade)
		api.POST("/trades/:id/confirm", s.confirmTrade)
		api.GET("/jobs/:key", s.getJob)

		ops := api.Group("/breakers")
		ops.Use(RequireOperator())
		{
			ops.GET("", s.listBreakers)
			ops.POST("/trip", s.tripBreaker)
			ops.POST("/reset", s.resetBreaker)
		}
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Bool("dry_run", s.engine.DryRun()).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"dryRun":  s.engine.DryRun(),
		"version": s.opts.Version,
	})
}
