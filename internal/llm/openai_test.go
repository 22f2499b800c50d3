package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func chatCompletionServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path '/chat/completions', got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-api-key" {
			t.Errorf("unexpected Authorization header %s", got)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		})
	}))
}

func TestOpenAIProvider_Generate_Success(t *testing.T) {
	server := chatCompletionServer(t, http.StatusOK, " Vectors live in Postgres. ")
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{APIKey: "test-api-key", Model: "gpt-4o-mini", BaseURL: server.URL + "/"})
	result, err := provider.Generate(context.Background(), []Message{{Role: "user", Content: "Hello"}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result != "Vectors live in Postgres." {
		t.Errorf("unexpected completion %q", result)
	}
}

func TestOpenAIProvider_Generate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		cfg      OpenAIConfig
		status   int
		content  string
		expected string
	}{
		{name: "missing key", cfg: OpenAIConfig{Model: "gpt-4"}, status: http.StatusOK, expected: "openai: missing API key"},
		{name: "missing model", cfg: OpenAIConfig{APIKey: "test-api-key"}, status: http.StatusOK, expected: "openai: missing model"},
		{name: "http error", cfg: OpenAIConfig{APIKey: "test-api-key", Model: "gpt-4"}, status: http.StatusUnauthorized, expected: "openai: status 401"},
		{name: "blank content", cfg: OpenAIConfig{APIKey: "test-api-key", Model: "gpt-4"}, status: http.StatusOK, content: "  ", expected: "openai: empty response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := chatCompletionServer(t, tt.status, tt.content)
			defer server.Close()
			tt.cfg.BaseURL = server.URL
			_, err := NewOpenAIProvider(tt.cfg).Generate(context.Background(), []Message{{Role: "user", Content: "Hello"}})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if err.Error() != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, err.Error())
			}
		})
	}
}

func TestNewOpenAIProvider_Timeout(t *testing.T) {
	provider := NewOpenAIProvider(OpenAIConfig{Timeout: 2 * time.Second})
	if provider.client.Timeout != 2*time.Second {
		t.Errorf("expected configured timeout, got %s", provider.client.Timeout)
	}
	if NewOpenAIProvider(OpenAIConfig{}).client.Timeout != 35*time.Second {
		t.Error("expected default timeout of 35s")
	}
}
