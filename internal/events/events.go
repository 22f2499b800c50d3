// Package events fans pipeline events out to in-process subscribers such as
// SSE clients. Delivery is best effort: a slow subscriber drops events and is
// expected to catch up from the persisted event log.
package events

import (
	"context"
	"strings"
	"sync"

	"github.com/Keyring-Network/inquiryos/internal/store"
)

const (
	TypePipelineStarted   = "pipeline.started"
	TypePipelineCompleted = "pipeline.completed"
	TypePipelineFailed    = "pipeline.failed"
	TypeStepStarted       = "step.started"
	TypeStepCompleted     = "step.completed"
	TypeStepFailed        = "step.failed"
)

const subscriberBuffer = 16

type PipelineEvent struct {
	RunID        string `json:"run_id"`
	Seq          int64  `json:"seq"`
	Type         string `json:"type"`
	Mode         string `json:"mode,omitempty"`
	Stage        string `json:"stage,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Ts           string `json:"ts"`
}

func FromStore(event store.PipelineEvent) PipelineEvent {
	return PipelineEvent{
		RunID:        event.RunID,
		Seq:          event.Seq,
		Type:         event.Type,
		Mode:         event.Mode,
		Stage:        event.Stage,
		DurationMS:   event.DurationMS,
		ErrorMessage: event.ErrorMessage,
		Ts:           event.CreatedAt,
	}
}

// Terminal reports whether no further events follow for this execution.
func (e PipelineEvent) Terminal() bool {
	return e.Type == TypePipelineCompleted || e.Type == TypePipelineFailed
}

func NormalizeType(eventType string) string {
	return strings.TrimSpace(strings.ToLower(eventType))
}

type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan PipelineEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan PipelineEvent]struct{}{},
	}
}

// Subscribe registers a channel for runID that is closed when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, runID string) <-chan PipelineEvent {
	ch := make(chan PipelineEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subscribers[runID] == nil {
		b.subscribers[runID] = map[chan PipelineEvent]struct{}{}
	}
	b.subscribers[runID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[runID] != nil {
			delete(b.subscribers[runID], ch)
			if len(b.subscribers[runID]) == 0 {
				delete(b.subscribers, runID)
			}
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish never blocks. Sends happen under the read lock so a channel cannot
// be closed mid-send.
func (b *Broker) Publish(event PipelineEvent) {
	event.Type = NormalizeType(event.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
}
