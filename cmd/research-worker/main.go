package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"github.com/Keyring-Network/inquiryos/internal/api"
	"github.com/Keyring-Network/inquiryos/internal/app"
	"github.com/Keyring-Network/inquiryos/internal/config"
	"github.com/Keyring-Network/inquiryos/internal/telemetry"
	"github.com/Keyring-Network/inquiryos/internal/workflows"
)

type pipelineWorker interface {
	RegisterWorkflow(w interface{})
	RegisterActivity(a interface{})
	Run(interruptCh <-chan interface{}) error
}

var (
	loadEnv    = func() error { return godotenv.Load() }
	loadConfig = func() (config.Config, error) {
		cfg := config.Load()
		return cfg, cfg.Validate()
	}
	logOutput       io.Writer = os.Stdout
	initTelemetry             = telemetry.Init
	buildComponents           = app.Build
	dialTemporal              = client.Dial
	newWorker                 = func(c client.Client, taskQueue string) pipelineWorker {
		return worker.New(c, taskQueue, worker.Options{})
	}
	workerInterrupt = worker.InterruptCh
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = loadEnv()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// The worker only makes sense with a shared store and shared locks.
	if cfg.StoreBackend != "postgres" {
		return errors.New("research worker requires STORE_BACKEND=postgres")
	}
	logger := app.NewLogger(logOutput, cfg.LogLevel)
	slog.SetDefault(logger)
	// SSE clients are attached to the API process, not the worker.
	if cfg.EventForwardURL == "" {
		cfg.EventForwardURL = "http://localhost:" + cfg.APIPort
	}

	shutdownTelemetry, err := initTelemetry(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName + "-worker",
		Version:     api.Version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	components, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = components.Close() }()

	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
		Logger:   tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return fmt.Errorf("temporal: %w", err)
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	w := newWorker(temporalClient, cfg.TemporalTaskQueue)
	w.RegisterWorkflow(workflows.PipelineWorkflow)
	w.RegisterActivity(workflows.NewPipelineActivities(components.Executor, logger))

	logger.Info("research worker started", "task_queue", cfg.TemporalTaskQueue, "modes", components.Registry.Modes())
	return w.Run(workerInterrupt())
}
