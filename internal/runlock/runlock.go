// Package runlock provides per-run mutual exclusion for pipeline execution.
package runlock

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned when another holder already owns the run.
var ErrBusy = errors.New("runlock: run is busy")

// Manager is an in-process lock table keyed by run id. Acquisition never
// blocks: a held run is reported as ErrBusy immediately.
type Manager struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func New() *Manager {
	return &Manager{held: map[string]struct{}{}}
}

// TryAcquire takes the lock for runID. The returned release func is safe to
// call more than once.
func (m *Manager) TryAcquire(ctx context.Context, runID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[runID]; ok {
		return nil, ErrBusy
	}
	m.held[runID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, runID)
			m.mu.Unlock()
		})
	}, nil
}

func (m *Manager) Held(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[runID]
	return ok, nil
}
