// Package httpx assembles the meterd HTTP server: health, metrics and the
// metering API.
package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/metering/api"
)

// HealthFunc reports whether the service can serve traffic.
type HealthFunc func(ctx context.Context) error

// Options configures New.
type Options struct {
	Addr   string
	Health HealthFunc
	// Gatherer is exposed at /metrics when set.
	Gatherer prometheus.Gatherer
	API      *api.Handler
	Logger   *slog.Logger
}

type Server struct {
	srv *http.Server
}

// New builds the server. It does not start listening.
func New(opts Options) *Server {
	return &Server{srv: &http.Server{
		Addr:              opts.Addr,
		Handler:           Handler(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Handler returns the routing tree New serves.
func Handler(opts Options) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		if opts.Health != nil {
			if err := opts.Health(c.Request.Context()); err != nil {
				if opts.Logger != nil {
					opts.Logger.Warn("health check failed", "error", err)
				}
				c.String(http.StatusServiceUnavailable, "UNAVAILABLE")
				return
			}
		}
		c.String(http.StatusOK, "OK")
	})

	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	if opts.API != nil {
		opts.API.Register(r, "/api")
	}
	return r
}

// Start listens until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
