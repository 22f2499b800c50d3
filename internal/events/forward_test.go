package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []PipelineEvent
}

func (r *recordingPublisher) Publish(event PipelineEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func TestFanout(t *testing.T) {
	first, second := &recordingPublisher{}, &recordingPublisher{}
	Fanout{first, second}.Publish(PipelineEvent{RunID: "run-1", Seq: 1, Type: TypePipelineStarted})
	require.Len(t, first.events, 1)
	require.Len(t, second.events, 1)
}

func TestForwarder_PostsEventToRunEndpoint(t *testing.T) {
	var gotPath string
	var got PipelineEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode event: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	event := PipelineEvent{RunID: "run-1", Seq: 4, Type: TypeStepCompleted, Stage: "reader", DurationMS: 30}
	NewForwarder(server.URL+"/", time.Second, nil).Publish(event)

	require.Equal(t, "/research-runs/run-1/events", gotPath)
	require.Equal(t, event, got)
}

func TestForwarder_LogsRejectedAndUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	NewForwarder(server.URL, time.Second, logger).Publish(PipelineEvent{RunID: "run-1", Seq: 1, Type: TypePipelineStarted})
	require.Contains(t, logs.String(), "event forward failed")
	require.Contains(t, logs.String(), "unexpected status 404")

	logs.Reset()
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	NewForwarder(closed.URL, 200*time.Millisecond, logger).Publish(PipelineEvent{RunID: "run-1", Seq: 2, Type: TypePipelineFailed})
	require.Contains(t, logs.String(), "event forward failed")
}
