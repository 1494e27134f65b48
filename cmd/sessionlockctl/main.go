package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pscheid92/sessionlock/internal/backend"
	"github.com/pscheid92/sessionlock/internal/platform/config"
	"github.com/pscheid92/sessionlock/internal/platform/logging"
)

// openConfigured opens the store named by the environment, the same way
// sessionlockd does. The broadcast transport is not needed here.
func openConfigured(ctx context.Context) (backend.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	cfg.BroadcastBackend = config.BackendNone
	be, err := backend.Open(ctx, cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	return be.Store, be.Close, nil
}

func main() {
	if err := rootCmd(openConfigured).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
