// Package httpserver exposes a Coordinator over HTTP: health probes,
// metrics, a small JSON control API for the host application and a
// websocket stream of foreign-active and inconsistency events.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/sessionlock/internal/adapter/metrics"
	"github.com/pscheid92/sessionlock/internal/domain"
	"github.com/pscheid92/sessionlock/internal/platform/config"
	"github.com/pscheid92/sessionlock/internal/sessionlock"
	"golang.org/x/sync/singleflight"
)

type coordinator interface {
	Status() sessionlock.Status
	SetSessionID(ctx context.Context, id string)
	ClearSessionID(ctx context.Context)
	CheckConsistencyNow(ctx context.Context) bool
	SetVisible(ctx context.Context, visible bool)
	PageHide(ctx context.Context)
	PageShow(ctx context.Context)
	OnForeignActive(cb func(active bool)) func()
	OnInconsistency(cb func(domain.InconsistencyEvent)) func()
}

var _ coordinator = (*sessionlock.Coordinator)(nil)

type Server struct {
	echo   *echo.Echo
	config *config.Config

	coord        coordinator
	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	eventMetrics *metrics.EventStreamMetrics
	healthChecks []HealthCheck
	checks       singleflight.Group
	startTime    time.Time
}

func NewServer(cfg *config.Config, coord coordinator, reg *prometheus.Registry, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		coord:        coord,
		registry:     reg,
		httpMetrics:  metrics.NewHTTPMetrics(reg),
		eventMetrics: metrics.NewEventStreamMetrics(reg),
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
