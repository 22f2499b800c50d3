package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultForwardTimeout = 2 * time.Second

type Publisher interface {
	Publish(event PipelineEvent)
}

// Fanout publishes every event to each publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(event PipelineEvent) {
	for _, publisher := range f {
		publisher.Publish(event)
	}
}

// Forwarder posts already persisted events to the API process so its SSE
// subscribers see runs executed elsewhere. A failed post is only logged:
// the event is in the store and reconnecting clients replay it.
type Forwarder struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewForwarder(baseURL string, timeout time.Duration, logger *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = defaultForwardTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (f *Forwarder) Publish(event PipelineEvent) {
	if err := f.post(context.Background(), event); err != nil {
		f.logger.Warn("event forward failed", "run_id", event.RunID, "seq", event.Seq, "type", event.Type, "error", err)
	}
}

func (f *Forwarder) post(ctx context.Context, event PipelineEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/research-runs/%s/events", f.baseURL, url.PathEscape(event.RunID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
