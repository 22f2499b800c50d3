// Package app assembles the store, locks, step handlers and executor shared
// by the API server and the Temporal worker.
package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Keyring-Network/inquiryos/internal/agents"
	"github.com/Keyring-Network/inquiryos/internal/config"
	"github.com/Keyring-Network/inquiryos/internal/events"
	"github.com/Keyring-Network/inquiryos/internal/llm"
	"github.com/Keyring-Network/inquiryos/internal/personality"
	"github.com/Keyring-Network/inquiryos/internal/pipeline"
	"github.com/Keyring-Network/inquiryos/internal/runlock"
	"github.com/Keyring-Network/inquiryos/internal/store"
	"github.com/Keyring-Network/inquiryos/internal/store/memory"
	"github.com/Keyring-Network/inquiryos/internal/store/postgres"
	"github.com/Keyring-Network/inquiryos/internal/webfetch"
	"github.com/Keyring-Network/inquiryos/internal/websearch"
)

var openPostgres = func(conn string) (*postgres.PostgresStore, error) {
	return postgres.New(conn)
}

type Components struct {
	Store    store.Store
	Locker   pipeline.Locker
	Registry *agents.Registry
	Broker   *events.Broker
	Executor *pipeline.Executor
	States   *pipeline.Aggregator

	closers []func() error
}

func Build(cfg config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Components{Broker: events.NewBroker()}

	switch cfg.StoreBackend {
	case "memory":
		c.Store = memory.New()
		c.Locker = runlock.New()
		logger.Warn("using in-memory store; runs are lost on restart and locks are process-local")
	case "postgres":
		pgStore, err := openPostgres(cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		c.Store = pgStore
		c.Locker = pgStore.Locker()
		c.closers = append(c.closers, pgStore.Close)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}

	registry, err := BuildRegistry(cfg, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Registry = registry
	publisher := events.Fanout{c.Broker}
	if cfg.EventForwardURL != "" {
		publisher = append(publisher, events.NewForwarder(cfg.EventForwardURL, 0, logger))
		logger.Info("forwarding pipeline events", "url", cfg.EventForwardURL)
	}
	c.Executor = pipeline.NewExecutor(c.Store, registry, c.Locker, pipeline.Config{
		DefaultMode:    cfg.DefaultProviderMode,
		HandlerTimeout: cfg.HandlerTimeout,
	}, pipeline.WithPublisher(publisher), pipeline.WithLogger(logger))
	c.States = pipeline.NewAggregator(c.Store, c.Locker)
	return c, nil
}

// BuildRegistry always registers the dummy handlers. The live handlers are
// added only when enabled, since they reach the LLM and the public web.
func BuildRegistry(cfg config.Config, logger *slog.Logger) (*agents.Registry, error) {
	registry := agents.NewRegistry()
	registry.Register(agents.ModeDummy, agents.NewDummySet())
	if !cfg.LiveProviderEnabled {
		return registry, nil
	}

	llmCfg := llm.Config{
		Provider:     cfg.LLMProvider,
		Model:        cfg.LLMModel,
		BaseURL:      cfg.LLMBaseURL,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
		Timeout:      cfg.HandlerTimeout,
	}
	provider, err := llm.NewProvider(llmCfg)
	if err != nil {
		return nil, fmt.Errorf("live provider: %w", err)
	}
	persona, err := personality.Load()
	if err != nil {
		return nil, fmt.Errorf("personality: %w", err)
	}
	live, err := agents.NewLiveSet(agents.LiveConfig{
		Provider:    provider,
		Searcher:    websearch.NewClient(websearch.Config{Timeout: cfg.FetchTimeout}),
		Fetcher:     webfetch.NewFetcher(webfetch.Config{Timeout: cfg.FetchTimeout, MaxBytes: cfg.FetchMaxBytes}),
		MaxResults:  cfg.SearchMaxResults,
		Concurrency: cfg.ReaderConcurrency,
		Personality: persona,
	})
	if err != nil {
		return nil, fmt.Errorf("live handlers: %w", err)
	}
	registry.Register(agents.ModeLive, live)
	logger.Info("live provider enabled", "llm", llm.Label(llmCfg))
	return registry, nil
}

func (c *Components) Close() error {
	var errs []error
	for idx := len(c.closers) - 1; idx >= 0; idx-- {
		if err := c.closers[idx](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
