package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgemesh/fleetd/internal/agent"
	"github.com/edgemesh/fleetd/internal/logging"
)

var version = "dev"

func main() {
	cfg := agent.LoadConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(false, envStr("FLEET_AGENT_LOG_LEVEL", "info"))

	a, err := agent.New(cfg, log.Logger)
	if err != nil {
		log.Error("failed to initialise agent", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	log.Info("fleet-agent started", "version", version, "device", cfg.DeviceID, "server", cfg.ServerURL)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("fleet-agent shutdown complete")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
