package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"

	"github.com/Keyring-Network/inquiryos/internal/app"
	"github.com/Keyring-Network/inquiryos/internal/config"
	"github.com/Keyring-Network/inquiryos/internal/telemetry"
	"github.com/Keyring-Network/inquiryos/internal/workflows"
)

type stubWorker struct {
	runErr     error
	workflows  []interface{}
	activities []interface{}
}

func (s *stubWorker) RegisterWorkflow(w interface{}) {
	s.workflows = append(s.workflows, w)
}

func (s *stubWorker) RegisterActivity(a interface{}) {
	s.activities = append(s.activities, a)
}

func (s *stubWorker) Run(_ <-chan interface{}) error {
	return s.runErr
}

func captureWorkerDeps(t *testing.T) {
	t.Helper()
	origLoadEnv := loadEnv
	origLoadConfig := loadConfig
	origLogOutput := logOutput
	origInitTelemetry := initTelemetry
	origBuildComponents := buildComponents
	origDialTemporal := dialTemporal
	origNewWorker := newWorker
	origWorkerInterrupt := workerInterrupt

	t.Cleanup(func() {
		loadEnv = origLoadEnv
		loadConfig = origLoadConfig
		logOutput = origLogOutput
		initTelemetry = origInitTelemetry
		buildComponents = origBuildComponents
		dialTemporal = origDialTemporal
		newWorker = origNewWorker
		workerInterrupt = origWorkerInterrupt
	})

	loadEnv = func() error { return nil }
	logOutput = &bytes.Buffer{}
	initTelemetry = func(context.Context, telemetry.Config) (telemetry.Shutdown, error) {
		return func(context.Context) error { return nil }, nil
	}
	loadConfig = func() (config.Config, error) {
		return config.Config{
			StoreBackend:        "postgres",
			PostgresURL:         "postgres://example",
			DefaultProviderMode: "dummy",
			HandlerTimeout:      time.Second,
			TemporalAddress:     "localhost:7233",
			TemporalTaskQueue:   "inquiryos-test",
		}, nil
	}
	// Stand in for postgres with the memory backend; only the wiring is under test.
	buildComponents = func(cfg config.Config, logger *slog.Logger) (*app.Components, error) {
		cfg.StoreBackend = "memory"
		return app.Build(cfg, logger)
	}
	workerInterrupt = func() <-chan interface{} { return make(chan interface{}) }
}

func TestRunRegistersPipeline(t *testing.T) {
	captureWorkerDeps(t)
	mockClient := mocks.NewClient(t)
	mockClient.On("Close").Return().Once()
	dialTemporal = func(opts client.Options) (client.Client, error) {
		require.Equal(t, "localhost:7233", opts.HostPort)
		return mockClient, nil
	}
	stub := &stubWorker{}
	newWorker = func(c client.Client, taskQueue string) pipelineWorker {
		require.Equal(t, "inquiryos-test", taskQueue)
		return stub
	}

	require.NoError(t, run())
	require.Len(t, stub.workflows, 1)
	require.Len(t, stub.activities, 1)
	require.IsType(t, &workflows.PipelineActivities{}, stub.activities[0])
}

func TestRunForwardsEventsToAPI(t *testing.T) {
	captureWorkerDeps(t)
	base := loadConfig
	loadConfig = func() (config.Config, error) {
		cfg, err := base()
		cfg.APIPort = "8123"
		return cfg, err
	}
	var forwardURL string
	buildComponents = func(cfg config.Config, logger *slog.Logger) (*app.Components, error) {
		forwardURL = cfg.EventForwardURL
		cfg.StoreBackend = "memory"
		return app.Build(cfg, logger)
	}
	mockClient := mocks.NewClient(t)
	mockClient.On("Close").Return().Once()
	dialTemporal = func(client.Options) (client.Client, error) { return mockClient, nil }
	newWorker = func(client.Client, string) pipelineWorker { return &stubWorker{} }

	require.NoError(t, run())
	require.Equal(t, "http://localhost:8123", forwardURL)
}

func TestRunErrors(t *testing.T) {
	t.Run("memory backend rejected", func(t *testing.T) {
		captureWorkerDeps(t)
		loadConfig = func() (config.Config, error) {
			return config.Config{StoreBackend: "memory"}, nil
		}
		require.ErrorContains(t, run(), "STORE_BACKEND=postgres")
	})

	t.Run("config", func(t *testing.T) {
		captureWorkerDeps(t)
		loadConfig = func() (config.Config, error) { return config.Config{}, errors.New("bad") }
		require.ErrorContains(t, run(), "load config: bad")
	})

	t.Run("temporal dial", func(t *testing.T) {
		captureWorkerDeps(t)
		dialTemporal = func(client.Options) (client.Client, error) { return nil, errors.New("unreachable") }
		require.ErrorContains(t, run(), "temporal: unreachable")
	})

	t.Run("worker run", func(t *testing.T) {
		captureWorkerDeps(t)
		dialTemporal = func(client.Options) (client.Client, error) { return nil, nil }
		newWorker = func(client.Client, string) pipelineWorker { return &stubWorker{runErr: errors.New("stopped")} }
		require.ErrorContains(t, run(), "stopped")
	})
}
