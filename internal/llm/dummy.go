package llm

import (
	"context"
	"fmt"
	"strings"
)

// DummyProvider echoes a snippet of the last user prompt. It never calls a
// model and is meant for local development and tests.
type DummyProvider struct {
	model string
}

func NewDummyProvider(model string) DummyProvider {
	return DummyProvider{model: model}
}

func (p DummyProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	snippet := strings.TrimSpace(lastUserContent(messages))
	if runes := []rune(snippet); len(runes) > 200 {
		snippet = string(runes[:200]) + "…"
	}
	return fmt.Sprintf("[dummy completion from dummy:%s] Prompt snippet: %s", p.model, snippet), nil
}
