// Command worker runs the assessment engine's task-graph workers: one
// Temporal worker per named queue (default, ocr, evaluation).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"

	"github.com/amarmakonis/assessment-engine/internal/config"
	"github.com/amarmakonis/assessment-engine/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	deps, err := worker.BuildDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("dependency setup failed", "error", err)
		os.Exit(1)
	}

	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHostPort,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		logger.Error("temporal connection failed", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	workers, err := worker.StartWorkers(temporalClient, deps)
	if err != nil {
		logger.Error("worker startup failed", "error", err)
		os.Exit(1)
	}

	logger.Info("workers started",
		"temporal", cfg.TemporalHostPort,
		"namespace", cfg.TemporalNamespace,
		"model", cfg.Model)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	for _, w := range workers {
		w.Stop()
	}
}
