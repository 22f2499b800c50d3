package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OllamaProvider talks to a local Ollama server through POST /api/generate
// with streaming disabled.
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

func (p *OllamaProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	if p.model == "" {
		return "", errors.New("ollama: missing model")
	}
	system, prompt := flattenMessages(messages)
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  p.model,
		Prompt: prompt,
		System: system,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &StatusError{Provider: "ollama", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var parsed ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	content := strings.TrimSpace(parsed.Response)
	if content == "" {
		return "", fmt.Errorf("ollama: %w", ErrEmptyResponse)
	}
	return content, nil
}

// flattenMessages folds chat messages into the single prompt /api/generate
// expects. System messages are joined into the separate system field.
func flattenMessages(messages []Message) (string, string) {
	var system []string
	var prompt []string
	for _, message := range messages {
		content := strings.TrimSpace(message.Content)
		if content == "" {
			continue
		}
		if message.Role == "system" {
			system = append(system, content)
			continue
		}
		if message.Role == "assistant" {
			content = "Assistant: " + content
		}
		prompt = append(prompt, content)
	}
	return strings.Join(system, "\n\n"), strings.Join(prompt, "\n\n")
}
