package llm

import (
	"context"
	"strings"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Provider interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Config selects and configures the provider used by the live handler set.
// Base URLs are always explicit; nothing is read from the environment here.
type Config struct {
	Provider     string
	Model        string
	BaseURL      string
	OpenAIAPIKey string
	Timeout      time.Duration
}

func NewProvider(cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "dummy", "dev":
		return NewDummyProvider(defaultIfEmpty(cfg.Model, "dummy-model")), nil
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   defaultIfEmpty(cfg.Model, "llama3"),
			Timeout: cfg.Timeout,
		}), nil
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		}), nil
	case "openrouter":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.Model,
			BaseURL: defaultIfEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
			Timeout: cfg.Timeout,
		}), nil
	default:
		return nil, ErrUnsupportedProvider{Provider: cfg.Provider}
	}
}

// Label identifies the provider and model, e.g. "ollama:llama3".
func Label(cfg Config) string {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Model == "" {
		return provider
	}
	return provider + ":" + cfg.Model
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func lastUserContent(messages []Message) string {
	for idx := len(messages) - 1; idx >= 0; idx-- {
		if messages[idx].Role == "user" {
			return messages[idx].Content
		}
	}
	return ""
}
