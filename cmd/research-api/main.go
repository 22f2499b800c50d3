package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"github.com/Keyring-Network/inquiryos/internal/api"
	"github.com/Keyring-Network/inquiryos/internal/app"
	"github.com/Keyring-Network/inquiryos/internal/config"
	"github.com/Keyring-Network/inquiryos/internal/telemetry"
	"github.com/Keyring-Network/inquiryos/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadEnv    = func() error { return godotenv.Load() }
	loadConfig = func() (config.Config, error) {
		cfg := config.Load()
		return cfg, cfg.Validate()
	}
	logOutput          io.Writer = os.Stdout
	initTelemetry                = telemetry.Init
	buildComponents              = app.Build
	dialTemporal                 = client.Dial
	newWorkflowService           = workflows.NewService
	newServer                    = func(deps api.Deps, cfg config.Config) server {
		return api.NewServer(deps, cfg)
	}
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside local development.
	_ = loadEnv()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(logOutput, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := initTelemetry(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
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

	deps := api.Deps{
		Store:    components.Store,
		Broker:   components.Broker,
		Executor: components.Executor,
		States:   components.States,
		Logger:   logger,
	}
	if cfg.TemporalEnabled {
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
		deps.Workflows = newWorkflowService(temporalClient, cfg.TemporalTaskQueue)
	}

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	logger.Info("research api listening", "addr", addr, "version", api.Version, "store", cfg.StoreBackend, "modes", components.Registry.Modes())
	if err := newServer(deps, cfg).Start(ctx, addr); err != nil {
		return err
	}
	logger.Info("research api stopped")
	return nil
}
