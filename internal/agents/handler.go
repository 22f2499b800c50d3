// Package agents holds the step handlers that compute planner, searcher,
// reader and synthesizer outputs. Handlers are pure with respect to storage:
// they receive the run query and earlier outputs and return an Output value.
package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Keyring-Network/inquiryos/internal/store"
)

// Prior carries what earlier steps produced. Outputs holds the latest
// completed output per step type; Sources is the run's persisted sources.
type Prior struct {
	Outputs map[store.StepType]store.Output
	Sources []store.Source
}

func (p Prior) Planner() (store.PlannerOutput, bool) {
	out, ok := p.Outputs[store.StepPlanner].(store.PlannerOutput)
	return out, ok
}

func (p Prior) Searcher() (store.SearcherOutput, bool) {
	out, ok := p.Outputs[store.StepSearcher].(store.SearcherOutput)
	return out, ok
}

func (p Prior) Reader() (store.ReaderOutput, bool) {
	out, ok := p.Outputs[store.StepReader].(store.ReaderOutput)
	return out, ok
}

type Handler interface {
	StepType() store.StepType
	Handle(ctx context.Context, input store.StepInput, prior Prior) (store.Output, error)
}

// Func adapts a plain function to Handler.
type Func struct {
	Type store.StepType
	Fn   func(ctx context.Context, input store.StepInput, prior Prior) (store.Output, error)
}

func (f Func) StepType() store.StepType { return f.Type }

func (f Func) Handle(ctx context.Context, input store.StepInput, prior Prior) (store.Output, error) {
	return f.Fn(ctx, input, prior)
}

// Set binds exactly one handler to each step type.
type Set struct {
	handlers map[store.StepType]Handler
}

func NewSet(handlers ...Handler) (*Set, error) {
	bound := make(map[store.StepType]Handler, len(store.StepOrder))
	for _, handler := range handlers {
		if handler == nil {
			return nil, fmt.Errorf("agents: nil handler")
		}
		stepType := handler.StepType()
		if _, ok := store.ParseStepType(string(stepType)); !ok {
			return nil, fmt.Errorf("agents: unknown step type %q", stepType)
		}
		if _, exists := bound[stepType]; exists {
			return nil, fmt.Errorf("agents: duplicate handler for %s", stepType)
		}
		bound[stepType] = handler
	}
	for _, stepType := range store.StepOrder {
		if _, ok := bound[stepType]; !ok {
			return nil, fmt.Errorf("agents: missing handler for %s", stepType)
		}
	}
	return &Set{handlers: bound}, nil
}

func (s *Set) Handler(stepType store.StepType) (Handler, bool) {
	handler, ok := s.handlers[stepType]
	return handler, ok
}

// Registry maps provider modes to handler sets.
type Registry struct {
	sets map[string]*Set
}

func NewRegistry() *Registry {
	return &Registry{sets: map[string]*Set{}}
}

func (r *Registry) Register(mode string, set *Set) {
	r.sets[normalizeMode(mode)] = set
}

func (r *Registry) Lookup(mode string) (*Set, bool) {
	set, ok := r.sets[normalizeMode(mode)]
	return set, ok
}

func (r *Registry) Modes() []string {
	modes := make([]string, 0, len(r.sets))
	for mode := range r.sets {
		modes = append(modes, mode)
	}
	sort.Strings(modes)
	return modes
}

func normalizeMode(mode string) string {
	return strings.ToLower(strings.TrimSpace(mode))
}
