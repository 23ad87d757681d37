// Package server exposes the credit ledger and metered completions over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pario-ai/payless/pkg/earn"
	"github.com/pario-ai/payless/pkg/ledger"
	"github.com/pario-ai/payless/pkg/metering"
	"github.com/pario-ai/payless/pkg/metrics"
	"github.com/pario-ai/payless/pkg/provider"
	"go.uber.org/zap"
)

// UserHeader carries the authenticated user id, set by the gateway in front
// of this service.
const UserHeader = "X-User-ID"

// Options wires a Server.
type Options struct {
	Listen string
	// ReservationTTL enables the stale reservation janitor when positive.
	ReservationTTL time.Duration

	Ledger   *ledger.Ledger
	Meter    *metering.Meter
	Registry *provider.Registry
	Accruer  *earn.Accruer
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Server is the Payless HTTP API.
type Server struct {
	listen   string
	ttl      time.Duration
	ledger   *ledger.Ledger
	meter    *metering.Meter
	registry *provider.Registry
	accruer  *earn.Accruer
	metrics  *metrics.Metrics
	logger   *zap.Logger
	engine   *gin.Engine
}

// New creates a Server with all routes registered.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		listen:   opts.Listen,
		ttl:      opts.ReservationTTL,
		ledger:   opts.Ledger,
		meter:    opts.Meter,
		registry: opts.Registry,
		accruer:  opts.Accruer,
		metrics:  opts.Metrics,
		logger:   logger.Named("server"),
		engine:   gin.New(),
	}

	s.engine.Use(s.recovery(), s.observe())
	s.engine.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.engine.GET("/providers", s.handleProviders)
	s.engine.GET("/providers/:name/models", s.handleModels)
	s.engine.POST("/estimate", s.handleEstimate)

	user := s.engine.Group("/", requireUser())
	user.GET("/credits/balance", s.handleBalance)
	user.GET("/credits/events", s.handleEvents)
	user.POST("/ads/tick", s.handleTick)
	user.GET("/ads/stats", s.handleAdStats)
	user.POST("/v1/complete", s.handleComplete)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.ttl > 0 {
		go s.janitor(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("payless listening", zap.String("addr", s.listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// janitor releases reservations whose calls never settled, for example
// after a crash between reserve and commit.
func (s *Server) janitor(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepStale(ctx)
		}
	}
}

// SweepStale releases reservations older than the reservation TTL once.
func (s *Server) SweepStale(ctx context.Context) int {
	if s.ttl <= 0 {
		return 0
	}
	n, err := s.ledger.ReleaseStale(ctx, s.ttl)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("release stale reservations", zap.Error(err))
	}
	return n
}
