package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sessionlock/internal/adapter/httpserver"
	"github.com/pscheid92/sessionlock/internal/adapter/metrics"
	"github.com/pscheid92/sessionlock/internal/adapter/sqlite"
	"github.com/pscheid92/sessionlock/internal/backend"
	"github.com/pscheid92/sessionlock/internal/domain"
	"github.com/pscheid92/sessionlock/internal/identity"
	"github.com/pscheid92/sessionlock/internal/platform/config"
	"github.com/pscheid92/sessionlock/internal/platform/logging"
	"github.com/pscheid92/sessionlock/internal/platform/version"
	"github.com/pscheid92/sessionlock/internal/sessionlock"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// signOutFunc adapts a function to domain.SignOutRequester.
type signOutFunc func(ctx context.Context, ev domain.InconsistencyEvent)

func (f signOutFunc) RequestForcedSignOut(ctx context.Context, ev domain.InconsistencyEvent) {
	f(ctx, ev)
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupTabStore(ctx context.Context, cfg *config.Config) *sqlite.Store {
	store, err := sqlite.Open(ctx, cfg.TabStatePath)
	if err != nil {
		slog.Error("Failed to open tab state", "path", cfg.TabStatePath, "error", err)
		os.Exit(1)
	}
	return store
}

func timing(cfg *config.Config) sessionlock.Timing {
	return sessionlock.Timing{
		VisibleHeartbeat:    cfg.VisibleHeartbeat,
		VisibleTTL:          cfg.VisibleTTL,
		HiddenHeartbeat:     cfg.HiddenHeartbeat,
		HiddenTTL:           cfg.HiddenTTL,
		ConsistencyInterval: cfg.ConsistencyInterval,
	}
}

func runGracefulShutdown(srv *httpserver.Server, coord *sessionlock.Coordinator) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		coord.Teardown()
		close(done)
	}()

	return done
}

func main() {
	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().String())

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	reg := metrics.NewRegistry()
	leaseMetrics := metrics.NewLeaseMetrics(reg)
	backendMetrics := &backend.Metrics{
		Breaker: metrics.NewBreakerMetrics(reg),
		Store:   metrics.NewStoreMetrics(reg),
	}

	be, err := backend.Open(ctx, cfg, backendMetrics)
	if err != nil {
		slog.Error("Failed to open backend", "store", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer be.Close()

	tabStore := setupTabStore(ctx, cfg)
	defer func() { _ = tabStore.Close() }()

	ids := identity.NewProvider(be.Store, tabStore)
	self := ids.Owner(ctx)
	if ids.Volatile() {
		slog.Warn("Identity is volatile; reload takeover will not work across restarts")
	}

	var coord *sessionlock.Coordinator
	var signOut domain.SignOutRequester
	if cfg.ForceSignOut {
		signOut = signOutFunc(func(ctx context.Context, ev domain.InconsistencyEvent) {
			slog.WarnContext(ctx, "Forcing sign-out", "reason", ev.Reason)
			coord.ResetLocalSession(ctx)
		})
	}

	coord = sessionlock.New(sessionlock.Deps{
		Store:      be.Store,
		Broadcast:  be.Broadcast,
		Self:       self,
		Navigation: domain.StaticNavigation(domain.ParseNavigationType(cfg.NavigationType)),
		Clock:      clockwork.NewRealClock(),
		Recorder:   leaseMetrics,
		SignOut:    signOut,
	}, sessionlock.Options{
		Timing: timing(cfg),
		Hidden: cfg.StartHidden,
	})
	coord.Init(context.Background())

	healthChecks := []httpserver.HealthCheck{
		{Name: be.Name, Check: be.Store.Ping},
		{Name: "tab_state", Check: tabStore.Ping},
	}
	srv := httpserver.NewServer(cfg, coord, reg, healthChecks)

	done := runGracefulShutdown(srv, coord)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		coord.Teardown()
		os.Exit(1)
	}
	<-done
	slog.Info("Shutdown complete")
}
