package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/Keyring-Network/inquiryos/internal/store"
)

const (
	StepStateNotStarted = "not_started"
	StepStateRunning    = "running"
	StepStateCompleted  = "completed"
	StepStateFailed     = "failed"
)

type StepState struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type RunState struct {
	RunID              string                       `json:"run_id"`
	Status             string                       `json:"status"`
	Steps              map[store.StepType]StepState `json:"steps"`
	SourceCount        int                          `json:"source_count"`
	SourcesWithSummary int                          `json:"sources_with_summary"`
}

// Aggregator derives RunState from stored steps and sources. It never writes.
type Aggregator struct {
	store  store.Store
	locker Locker
}

func NewAggregator(st store.Store, locker Locker) *Aggregator {
	return &Aggregator{store: st, locker: locker}
}

func (a *Aggregator) GetRunState(ctx context.Context, runID string) (RunState, error) {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return RunState{}, ErrRunNotFound
	}
	steps, err := a.store.ListSteps(ctx, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("list steps: %w", err)
	}
	sources, err := a.store.ListSources(ctx, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("list sources: %w", err)
	}
	held, err := a.locker.Held(ctx, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("check run lock: %w", err)
	}
	return deriveState(*run, steps, sources, held), nil
}

func deriveState(run store.ResearchRun, steps []store.ResearchStep, sources []store.Source, executing bool) RunState {
	state := RunState{
		RunID:       run.ID,
		Status:      run.Status,
		Steps:       make(map[store.StepType]StepState, len(store.StepOrder)),
		SourceCount: len(sources),
	}
	latest := store.LatestByType(steps)
	runningMarked := !executing
	for _, stepType := range store.StepOrder {
		step, ok := latest[stepType]
		switch {
		case ok && step.Status == store.StepStatusCompleted:
			state.Steps[stepType] = StepState{Status: StepStateCompleted}
		case !runningMarked:
			state.Steps[stepType] = StepState{Status: StepStateRunning}
			runningMarked = true
		case ok:
			state.Steps[stepType] = StepState{Status: StepStateFailed, ErrorMessage: step.ErrorMessage}
		default:
			state.Steps[stepType] = StepState{Status: StepStateNotStarted}
		}
	}
	for _, source := range sources {
		if strings.TrimSpace(source.Summary) != "" {
			state.SourcesWithSummary++
		}
	}
	return state
}
