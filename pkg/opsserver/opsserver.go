// Package opsserver is the internal ops surface the scheduler process
// exposes (§12.5): a liveness route and Prometheus scrape, nothing
// else. The health route does not check the database. It follows the teacher's own server wiring (echo.New, the
// golib logger/recovery middleware pair, health.RegisterRoutes) but
// drops everything route-related that belonged to the excluded web
// UI — there is no API surface here, only operational plumbing, and
// it is expected to be bound to loopback only.
package opsserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robinjoseph08/golib/echo/v4/health"
	"github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/echo/v4/middleware/recovery"
)

// Server wraps the http.Server hosting the ops routes.
type Server struct {
	httpServer *http.Server
}

// New builds the ops surface bound to addr (expected to be a loopback
// address, e.g. "127.0.0.1:9477"; §12.5 "internal, not exposed
// alongside the web UI's own port").
func New(addr string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(logger.Middleware())
	e.Use(recovery.Middleware())
	e.Use(echomiddleware.CORS())

	health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           e,
			ReadHeaderTimeout: 3 * time.Second,
		},
	}
}

// Start runs the server until Shutdown is called. Use in a goroutine;
// a clean Shutdown-triggered close is not an error.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "ops server failed on %s", s.httpServer.Addr)
	}
	return nil
}

// Shutdown gracefully stops the server within the given context.
func (s *Server) Shutdown(ctx context.Context) error {
	return errors.WithStack(s.httpServer.Shutdown(ctx))
}

// Addr returns the address the server is (or will be) bound to, handy
// for log lines at startup.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
