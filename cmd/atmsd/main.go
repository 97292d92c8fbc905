// Command atmsd wires a Supervisor and keeps it running until terminated.
// It takes no CLI flags (spec.md §1 Non-goals: "no CLI argument parsing
// front-end") — every setting comes from ATMS_* environment variables, the
// same convention the teacher's binaries use for their own GOMIND_* config.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/atms-dev/atms/internal/logger"
	"github.com/atms-dev/atms/internal/telemetry"
	"github.com/atms-dev/atms/supervisor"
)

func main() {
	l := logger.New()

	cfg, err := supervisor.NewConfig()
	if err != nil {
		l.Error("atmsd: failed to resolve configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	var tp telemetry.Provider = telemetry.NoOpProvider{}
	if endpoint := os.Getenv("ATMS_OTLP_ENDPOINT"); endpoint != "" {
		provider, err := telemetry.NewOTelProvider(context.Background(), telemetry.Config{
			ServiceName: "atmsd",
			Endpoint:    endpoint,
		})
		if err != nil {
			l.Warn("atmsd: OTLP exporter unavailable, continuing without tracing", map[string]interface{}{"error": err.Error()})
		} else {
			defer provider.Shutdown(context.Background())
			tp = provider
		}
	}

	sup, err := supervisor.New(cfg, l, tp)
	if err != nil {
		l.Error("atmsd: failed to initialize supervisor", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info("atmsd: shutdown signal received", nil)
	sup.Stop(cfg.GraceShutdownMs)
	cancel()
}
