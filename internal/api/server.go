// Package api exposes the fleet engine over a small JSON HTTP API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	mineragent "github.com/httprunner/MinerAgent"
	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/httprunner/MinerAgent/pkg/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// History serves persisted switch and metric history. *storage.Store
// satisfies it.
type History interface {
	SwitchHistory(ctx context.Context, addr string, limit int) ([]miner.SwitchRecord, error)
	QueryRecords(ctx context.Context, addr string, from, to time.Time) ([]storage.MetricRecord, error)
}

// Options carries the policies applied to requests.
type Options struct {
	Fleet           *mineragent.Fleet
	History         History
	SwitchPolicy    mineragent.SwitchPolicy
	RebootPolicy    mineragent.RebootPolicy
	ScanConcurrency int
	// RequestTimeout bounds each fleet operation; zero means no limit.
	RequestTimeout time.Duration
}

// Server routes HTTP requests to the fleet.
type Server struct {
	opts   Options
	router *gin.Engine
}

func NewServer(opts Options) (*Server, error) {
	if opts.Fleet == nil {
		return nil, errors.New("api: fleet is required")
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	s := &Server{opts: opts, router: router}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler, mainly for tests.
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
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("api server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "api: serve")
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("api request")
	}
}

func (s *Server) opContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.opts.RequestTimeout > 0 {
		return context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
	}
	return context.WithCancel(c.Request.Context())
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func internalError(c *gin.Context, err error) {
	log.Error().Err(err).Str("path", c.FullPath()).Msg("api request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, want RFC3339", raw)
	}
	return t, nil
}
