package llm

import (
	"context"
	"strings"
	"testing"
)

func TestNewProvider_Dummy(t *testing.T) {
	provider, err := NewProvider(Config{Provider: "dummy"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	dummy, ok := provider.(DummyProvider)
	if !ok {
		t.Fatalf("expected DummyProvider, got %T", provider)
	}
	if dummy.model != "dummy-model" {
		t.Errorf("expected default model, got %s", dummy.model)
	}
}

func TestNewProvider_Ollama(t *testing.T) {
	provider, err := NewProvider(Config{Provider: " Ollama ", BaseURL: "http://ollama:11434/"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	ollama, ok := provider.(*OllamaProvider)
	if !ok {
		t.Fatalf("expected *OllamaProvider, got %T", provider)
	}
	if ollama.baseURL != "http://ollama:11434" {
		t.Errorf("expected trimmed base URL, got %s", ollama.baseURL)
	}
	if ollama.model != "llama3" {
		t.Errorf("expected default model llama3, got %s", ollama.model)
	}
}

func TestNewProvider_OpenAI(t *testing.T) {
	provider, err := NewProvider(Config{Provider: "openai", Model: "gpt-4o-mini", OpenAIAPIKey: "test-key"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	openAIProvider, ok := provider.(*OpenAIProvider)
	if !ok {
		t.Fatalf("expected *OpenAIProvider, got %T", provider)
	}
	if openAIProvider.apiKey != "test-key" {
		t.Errorf("expected apiKey to be 'test-key', got %s", openAIProvider.apiKey)
	}
	if openAIProvider.baseURL != "https://api.openai.com/v1" {
		t.Errorf("expected default base URL, got %s", openAIProvider.baseURL)
	}
}

func TestNewProvider_OpenRouterDefaultsBaseURL(t *testing.T) {
	provider, err := NewProvider(Config{Provider: "openrouter", Model: "meta/llama", OpenAIAPIKey: "router-key"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	openAIProvider := provider.(*OpenAIProvider)
	if openAIProvider.baseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("expected openrouter base URL, got %s", openAIProvider.baseURL)
	}
}

func TestNewProvider_Unsupported(t *testing.T) {
	provider, err := NewProvider(Config{Provider: "codex"})
	if err == nil {
		t.Fatal("expected error for unsupported provider, got nil")
	}
	if provider != nil {
		t.Errorf("expected nil provider, got %T", provider)
	}
	errUnsupported, ok := err.(ErrUnsupportedProvider)
	if !ok {
		t.Fatalf("expected ErrUnsupportedProvider, got %T", err)
	}
	if errUnsupported.Provider != "codex" {
		t.Errorf("expected provider name 'codex', got %s", errUnsupported.Provider)
	}
}

func TestLabel(t *testing.T) {
	if got := Label(Config{Provider: "Ollama", Model: "llama3"}); got != "ollama:llama3" {
		t.Errorf("unexpected label %s", got)
	}
	if got := Label(Config{Provider: "dummy"}); got != "dummy" {
		t.Errorf("unexpected label %s", got)
	}
}

func TestDummyProvider_EchoesLastUserPrompt(t *testing.T) {
	provider := NewDummyProvider("m1")
	out, err := provider.Generate(context.Background(), []Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "first"},
		{Role: "user", Content: "compare pgvector and qdrant"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.HasPrefix(out, "[dummy completion from dummy:m1]") {
		t.Errorf("unexpected prefix: %s", out)
	}
	if !strings.HasSuffix(out, "compare pgvector and qdrant") {
		t.Errorf("expected prompt snippet, got %s", out)
	}
}

func TestDummyProvider_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewDummyProvider("m1").Generate(ctx, nil); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestDefaultIfEmpty(t *testing.T) {
	if result := defaultIfEmpty("existing-value", "fallback"); result != "existing-value" {
		t.Errorf("expected 'existing-value', got %s", result)
	}
	if result := defaultIfEmpty("", "fallback"); result != "fallback" {
		t.Errorf("expected 'fallback', got %s", result)
	}
}
