package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Keyring-Network/inquiryos/internal/store"
)

type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]store.ResearchRun
	steps   map[string][]store.ResearchStep
	sources map[string][]store.Source
	answers map[string]store.Answer
	events  map[string][]store.PipelineEvent
	seq     map[string]int64
}

func New() *MemoryStore {
	return &MemoryStore{
		runs:    map[string]store.ResearchRun{},
		steps:   map[string][]store.ResearchStep{},
		sources: map[string][]store.Source{},
		answers: map[string]store.Answer{},
		events:  map[string][]store.PipelineEvent{},
		seq:     map[string]int64{},
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run store.ResearchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(run.Status) == "" {
		run.Status = store.RunStatusPending
	}
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("memory: run %s already exists", run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*store.ResearchRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, limit int, offset int) ([]store.ResearchRun, error) {
	m.mu.RLock()
	results := make([]store.ResearchRun, 0, len(m.runs))
	for _, run := range m.runs {
		results = append(results, run)
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		left, right := parseTime(results[i].CreatedAt), parseTime(results[j].CreatedAt)
		if left.Equal(right) {
			return results[i].ID > results[j].ID
		}
		return left.After(right)
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(results) {
		return []store.ResearchRun{}, nil
	}
	results = results[offset:]
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, run store.ResearchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return store.ErrNotFound
	}
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) ListSteps(ctx context.Context, runID string) ([]store.ResearchStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := m.steps[runID]
	cloned := make([]store.ResearchStep, 0, len(steps))
	for _, step := range steps {
		cloned = append(cloned, cloneStep(step))
	}
	sort.Slice(cloned, func(i, j int) bool {
		return cloned[i].StepIndex < cloned[j].StepIndex
	})
	return cloned, nil
}

func (m *MemoryStore) CommitStep(ctx context.Context, commit store.StepCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	runID := commit.Step.RunID
	if _, ok := m.runs[runID]; !ok {
		return store.ErrNotFound
	}
	for _, existing := range m.steps[runID] {
		if existing.StepIndex == commit.Step.StepIndex {
			return store.ErrStepConflict
		}
	}

	// Validate every update before mutating so the commit stays all-or-nothing.
	current := m.sources[runID]
	positions := make(map[string]int, len(current))
	for idx, source := range current {
		positions[source.ID] = idx
	}
	for _, updated := range commit.UpdatedSources {
		if _, ok := positions[updated.ID]; !ok {
			return fmt.Errorf("memory: source %s not found for run %s: %w", updated.ID, runID, store.ErrNotFound)
		}
	}

	m.steps[runID] = append(m.steps[runID], cloneStep(commit.Step))
	for _, source := range commit.NewSources {
		m.sources[runID] = append(m.sources[runID], cloneSource(source))
	}
	for _, updated := range commit.UpdatedSources {
		idx := positions[updated.ID]
		merged := m.sources[runID][idx]
		if updated.Title != "" {
			merged.Title = updated.Title
		}
		merged.Summary = updated.Summary
		merged.RawContent = updated.RawContent
		if updated.RelevanceScore != nil {
			score := *updated.RelevanceScore
			merged.RelevanceScore = &score
		}
		m.sources[runID][idx] = merged
	}
	if commit.Answer != nil {
		answer := *commit.Answer
		answer.Citations = cloneCitations(commit.Answer.Citations)
		m.answers[runID] = answer
	}
	return nil
}

func (m *MemoryStore) ListSources(ctx context.Context, runID string) ([]store.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sources := m.sources[runID]
	cloned := make([]store.Source, 0, len(sources))
	for _, source := range sources {
		cloned = append(cloned, cloneSource(source))
	}
	return cloned, nil
}

func (m *MemoryStore) GetAnswer(ctx context.Context, runID string) (*store.Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	answer, ok := m.answers[runID]
	if !ok {
		return nil, nil
	}
	answer.Citations = cloneCitations(answer.Citations)
	return &answer, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event store.PipelineEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Type = strings.TrimSpace(strings.ToLower(event.Type))
	m.events[event.RunID] = append(m.events[event.RunID], event)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.PipelineEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[runID]
	if afterSeq <= 0 {
		return append([]store.PipelineEvent{}, events...), nil
	}
	filtered := []store.PipelineEvent{}
	for _, event := range events {
		if event.Seq > afterSeq {
			filtered = append(filtered, event)
		}
	}
	return filtered, nil
}

func (m *MemoryStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[runID] += 1
	return m.seq[runID], nil
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func cloneStep(step store.ResearchStep) store.ResearchStep {
	cloned := step
	cloned.Input.Subquestions = append([]string(nil), step.Input.Subquestions...)
	cloned.Input.SourceIDs = append([]string(nil), step.Input.SourceIDs...)
	cloned.Output = cloneOutput(step.Output)
	return cloned
}

func cloneOutput(output store.Output) store.Output {
	switch out := output.(type) {
	case store.PlannerOutput:
		out.Subquestions = append([]string(nil), out.Subquestions...)
		return out
	case store.SearcherOutput:
		refs := make([]store.SourceRef, len(out.Sources))
		for idx, ref := range out.Sources {
			if ref.RelevanceScore != nil {
				score := *ref.RelevanceScore
				ref.RelevanceScore = &score
			}
			refs[idx] = ref
		}
		out.Sources = refs
		return out
	case store.ReaderOutput:
		out.Sources = append([]store.ReadSource(nil), out.Sources...)
		return out
	case store.SynthesizerOutput:
		out.CitedURLs = append([]string(nil), out.CitedURLs...)
		return out
	default:
		return output
	}
}

func cloneSource(source store.Source) store.Source {
	cloned := source
	if source.RelevanceScore != nil {
		score := *source.RelevanceScore
		cloned.RelevanceScore = &score
	}
	cloned.Metadata = cloneMap(source.Metadata)
	return cloned
}

func cloneCitations(input map[string][]string) map[string][]string {
	if input == nil {
		return nil
	}
	out := make(map[string][]string, len(input))
	for key, values := range input {
		out[key] = append([]string(nil), values...)
	}
	return out
}

func cloneMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
