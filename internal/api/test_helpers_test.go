package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/Keyring-Network/inquiryos/internal/config"
	"github.com/Keyring-Network/inquiryos/internal/events"
	"github.com/Keyring-Network/inquiryos/internal/pipeline"
	"github.com/Keyring-Network/inquiryos/internal/store"
	"github.com/Keyring-Network/inquiryos/internal/store/memory"
)

type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, runID string, mode string) (pipeline.Result, error) {
	args := m.Called(ctx, runID, mode)
	var result pipeline.Result
	if value := args.Get(0); value != nil {
		result = value.(pipeline.Result)
	}
	return result, args.Error(1)
}

type MockStateReader struct {
	mock.Mock
}

func (m *MockStateReader) GetRunState(ctx context.Context, runID string) (pipeline.RunState, error) {
	args := m.Called(ctx, runID)
	var state pipeline.RunState
	if value := args.Get(0); value != nil {
		state = value.(pipeline.RunState)
	}
	return state, args.Error(1)
}

type MockWorkflowService struct {
	mock.Mock
}

func (m *MockWorkflowService) StartPipeline(ctx context.Context, runID string, mode string) error {
	args := m.Called(ctx, runID, mode)
	return args.Error(0)
}

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Publish(event events.PipelineEvent) {
	m.Called(event)
}

func (m *MockBroker) Subscribe(ctx context.Context, runID string) <-chan events.PipelineEvent {
	args := m.Called(ctx, runID)
	if value := args.Get(0); value != nil {
		if ch, ok := value.(chan events.PipelineEvent); ok {
			return ch
		}
		if ch, ok := value.(<-chan events.PipelineEvent); ok {
			return ch
		}
	}
	return nil
}

// failingStore reports errors from the read paths used by the readiness checks and
// list endpoints.
type failingStore struct {
	*memory.MemoryStore
	err error
}

func (f *failingStore) ListRuns(ctx context.Context, limit int, offset int) ([]store.ResearchRun, error) {
	return nil, f.err
}

func (f *failingStore) GetRun(ctx context.Context, runID string) (*store.ResearchRun, error) {
	return nil, f.err
}

func newFailingStore() *failingStore {
	return &failingStore{MemoryStore: memory.New(), err: errors.New("db unavailable")}
}

type testDeps struct {
	store     store.Store
	broker    Broker
	executor  *MockExecutor
	states    *MockStateReader
	workflows WorkflowService
}

func newDeps() *testDeps {
	return &testDeps{
		store:    memory.New(),
		broker:   events.NewBroker(),
		executor: &MockExecutor{},
		states:   &MockStateReader{},
	}
}

func newTestServer(t *testing.T, deps *testDeps, cfg config.Config) *httptest.Server {
	t.Helper()
	server := NewServer(Deps{
		Store:     deps.store,
		Broker:    deps.broker,
		Executor:  deps.executor,
		States:    deps.states,
		Workflows: deps.workflows,
	}, cfg)
	httpServer := httptest.NewServer(server.Router())
	t.Cleanup(httpServer.Close)
	return httpServer
}

func seedRun(t *testing.T, st store.Store, id string) store.ResearchRun {
	t.Helper()
	run := store.ResearchRun{
		ID:            id,
		Query:         "Compare pgvector and Qdrant",
		Status:        store.RunStatusPending,
		ModelProvider: "dummy",
		CreatedAt:     "2026-02-07T00:00:00Z",
		UpdatedAt:     "2026-02-07T00:00:00Z",
	}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return run
}
