package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/inquiryos/internal/agents"
	"github.com/Keyring-Network/inquiryos/internal/config"
	"github.com/Keyring-Network/inquiryos/internal/events"
	"github.com/Keyring-Network/inquiryos/internal/pipeline"
	"github.com/Keyring-Network/inquiryos/internal/runlock"
	"github.com/Keyring-Network/inquiryos/internal/store"
)

func TestNewServer(t *testing.T) {
	server := NewServer(Deps{}, config.Config{})
	require.NotNil(t, server)
	require.NotNil(t, server.Router())
	require.NotNil(t, server.logger)
}

func TestHealth(t *testing.T) {
	server := newTestServer(t, newDeps(), config.Config{})

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "ok", payload["status"])
	require.Equal(t, Version, payload["version"])
}

func TestReady(t *testing.T) {
	t.Run("ready when dependencies healthy", func(t *testing.T) {
		llmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("Ollama is running"))
		}))
		defer llmServer.Close()

		server := newTestServer(t, newDeps(), config.Config{LiveProviderEnabled: true, LLMBaseURL: llmServer.URL + "/"})
		resp, err := http.Get(server.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var payload readinessResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		require.Equal(t, "ok", payload.Status)
		require.Equal(t, "ok", payload.Subsystems["store"].Status)
		require.Equal(t, "ok", payload.Subsystems["llm"].Status)
	})

	t.Run("llm check skipped without live provider", func(t *testing.T) {
		server := newTestServer(t, newDeps(), config.Config{LLMBaseURL: "http://127.0.0.1:1"})
		resp, err := http.Get(server.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var payload readinessResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		require.Equal(t, "skipped", payload.Subsystems["llm"].Status)
	})

	t.Run("degraded when store unavailable", func(t *testing.T) {
		deps := newDeps()
		deps.store = newFailingStore()
		server := newTestServer(t, deps, config.Config{})

		resp, err := http.Get(server.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var payload readinessResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		require.Equal(t, "degraded", payload.Status)
		require.Equal(t, "db unavailable", payload.Subsystems["store"].Error)
	})

	t.Run("degraded when llm returns server error", func(t *testing.T) {
		llmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer llmServer.Close()

		server := newTestServer(t, newDeps(), config.Config{LiveProviderEnabled: true, LLMBaseURL: llmServer.URL})
		resp, err := http.Get(server.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var payload readinessResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		require.Equal(t, "llm status 502", payload.Subsystems["llm"].Error)
	})
}

func TestCORS(t *testing.T) {
	t.Run("wildcard by default", func(t *testing.T) {
		server := newTestServer(t, newDeps(), config.Config{})
		req, err := http.NewRequest(http.MethodOptions, server.URL+"/research-runs", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("allow list echoes known origins only", func(t *testing.T) {
		server := newTestServer(t, newDeps(), config.Config{CORSAllowedOrigins: []string{"http://localhost:3000"}})
		for origin, expected := range map[string]string{
			"http://localhost:3000": "http://localhost:3000",
			"http://evil.example":   "",
		} {
			req, err := http.NewRequest(http.MethodGet, server.URL+"/health", nil)
			require.NoError(t, err)
			req.Header.Set("Origin", origin)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, expected, resp.Header.Get("Access-Control-Allow-Origin"), origin)
		}
	})
}

func TestShouldSuppressRequestLog(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodGet, "/research-runs/run-1/events", true},
		{http.MethodPost, "/research-runs/run-1/events", true},
		{http.MethodGet, "/research-runs/run-1/state", true},
		{http.MethodGet, "/health", true},
		{http.MethodOptions, "/research-runs", true},
		{http.MethodPost, "/research-runs/run-1/execute", false},
		{http.MethodGet, "/research-runs", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, shouldSuppressRequestLog(tc.method, tc.path), "%s %s", tc.method, tc.path)
	}
}

func TestParseAfterSeq(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/research-runs/run-1/events?after_seq=4", nil)
	require.Equal(t, int64(4), parseAfterSeq("run-1", req))

	req = httptest.NewRequest(http.MethodGet, "/research-runs/run-1/events", nil)
	req.Header.Set("Last-Event-ID", "run-1:7")
	require.Equal(t, int64(7), parseAfterSeq("run-1", req))

	req.Header.Set("Last-Event-ID", "run-2:7")
	require.Equal(t, int64(0), parseAfterSeq("run-1", req))

	req.Header.Set("Last-Event-ID", "garbage")
	require.Equal(t, int64(0), parseAfterSeq("run-1", req))

	req = httptest.NewRequest(http.MethodGet, "/research-runs/run-1/events?after_seq=nope", nil)
	require.Equal(t, int64(0), parseAfterSeq("run-1", req))
}

func TestSendSSE(t *testing.T) {
	recorder := httptest.NewRecorder()
	sendSSE(recorder, events.PipelineEvent{RunID: "run-1", Seq: 5, Type: events.TypeStepCompleted, Stage: "reader"})

	body := recorder.Body.String()
	require.True(t, strings.HasPrefix(body, "id: run-1:5\nevent: pipeline_event\ndata: {"))
	require.Contains(t, body, `"stage":"reader"`)
	require.True(t, strings.HasSuffix(body, "\n\n"))
}

func TestStreamEvents_ReplaysThenStreamsLive(t *testing.T) {
	deps := newDeps()
	broker := events.NewBroker()
	deps.broker = broker
	seedRun(t, deps.store, "run-1")
	ctx := context.Background()
	for seq, eventType := range []string{events.TypePipelineStarted, events.TypeStepStarted, events.TypeStepCompleted} {
		require.NoError(t, deps.store.AppendEvent(ctx, store.PipelineEvent{RunID: "run-1", Seq: int64(seq + 1), Type: eventType}))
	}
	server := newTestServer(t, deps, config.Config{})

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, server.URL+"/research-runs/run-1/events?after_seq=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	require.Equal(t, int64(2), readSSEEvent(t, reader).Seq)
	require.Equal(t, int64(3), readSSEEvent(t, reader).Seq)

	// A replayed seq arriving live is dropped; the next one is delivered.
	broker.Publish(events.PipelineEvent{RunID: "run-1", Seq: 3, Type: events.TypeStepCompleted})
	broker.Publish(events.PipelineEvent{RunID: "run-1", Seq: 4, Type: events.TypePipelineCompleted})
	live := readSSEEvent(t, reader)
	require.Equal(t, int64(4), live.Seq)
	require.True(t, live.Terminal())
}

// The worker runs the pipeline in its own process against the shared store
// and forwards each event here; SSE clients see it live without reconnecting.
func TestStreamEvents_LiveEventsFromAnotherProcess(t *testing.T) {
	deps := newDeps()
	seedRun(t, deps.store, "run-1")
	server := newTestServer(t, deps, config.Config{})

	registry := agents.NewRegistry()
	registry.Register(agents.ModeDummy, agents.NewDummySet())
	workerPublisher := events.Fanout{events.NewBroker(), events.NewForwarder(server.URL, time.Second, nil)}
	worker := pipeline.NewExecutor(deps.store, registry, runlock.New(), pipeline.Config{DefaultMode: agents.ModeDummy},
		pipeline.WithPublisher(workerPublisher))

	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, server.URL+"/research-runs/run-1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result, err := worker.Execute(context.Background(), "run-1", "")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, result.Run.Status)

	reader := bufio.NewReader(resp.Body)
	var received []events.PipelineEvent
	for {
		event := readSSEEvent(t, reader)
		received = append(received, event)
		if event.Terminal() {
			break
		}
	}
	require.Equal(t, events.TypePipelineStarted, received[0].Type)
	require.Equal(t, events.TypePipelineCompleted, received[len(received)-1].Type)
	for idx, event := range received {
		require.Equal(t, int64(idx+1), event.Seq)
	}
}

func TestIngestEvent(t *testing.T) {
	deps := newDeps()
	seedRun(t, deps.store, "run-1")
	server := newTestServer(t, deps, config.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	live := deps.broker.Subscribe(ctx, "run-1")

	post := func(path string, body string) int {
		resp, err := http.Post(server.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusAccepted, post("/research-runs/run-1/events", `{"seq":2,"type":"Step.Completed","stage":"planner"}`))
	select {
	case event := <-live:
		require.Equal(t, "run-1", event.RunID)
		require.Equal(t, int64(2), event.Seq)
		require.Equal(t, events.TypeStepCompleted, event.Type)
	case <-time.After(time.Second):
		t.Fatal("ingested event was not published")
	}

	stored, err := deps.store.ListEvents(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Empty(t, stored, "ingest must not store the event a second time")

	require.Equal(t, http.StatusBadRequest, post("/research-runs/run-1/events", `{`))
	require.Equal(t, http.StatusBadRequest, post("/research-runs/run-1/events", `{"run_id":"run-2","seq":1,"type":"step.started"}`))
	require.Equal(t, http.StatusBadRequest, post("/research-runs/run-1/events", `{"seq":0,"type":"step.started"}`))
	require.Equal(t, http.StatusBadRequest, post("/research-runs/run-1/events", `{"seq":1,"type":" "}`))
	require.Equal(t, http.StatusNotFound, post("/research-runs/missing/events", `{"seq":1,"type":"step.started"}`))
}

func TestStreamEvents_UnknownRun(t *testing.T) {
	server := newTestServer(t, newDeps(), config.Config{})
	resp, err := http.Get(server.URL + "/research-runs/missing/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func readSSEEvent(t *testing.T, reader *bufio.Reader) events.PipelineEvent {
	t.Helper()
	for {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
			var event events.PipelineEvent
			require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &event))
			return event
		}
	}
}
