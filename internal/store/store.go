package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a run referenced by a write does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrStepConflict is returned when a step index is already taken for the run.
var ErrStepConflict = errors.New("store: step index already exists")

const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

const (
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

type ResearchRun struct {
	ID            string
	Query         string
	Title         string
	Status        string
	ModelProvider string
	ErrorMessage  string
	CreatedAt     string
	UpdatedAt     string
}

type ResearchStep struct {
	ID           string
	RunID        string
	StepIndex    int
	StepType     StepType
	Status       string
	Input        StepInput
	Output       Output
	ErrorMessage string
	CreatedAt    string
}

type Source struct {
	ID             string
	RunID          string
	URL            string
	Title          string
	Summary        string
	RawContent     string
	RelevanceScore *float64
	Metadata       map[string]any
	CreatedAt      string
}

type Answer struct {
	ID        string
	RunID     string
	Content   string
	Citations map[string][]string
	CreatedAt string
}

type PipelineEvent struct {
	RunID        string
	Seq          int64
	Type         string
	Mode         string
	Stage        string
	DurationMS   int64
	ErrorMessage string
	CreatedAt    string
}

// StepCommit groups every write produced by one step execution. Stores
// apply it atomically so readers never see a step without its sources.
type StepCommit struct {
	Step           ResearchStep
	NewSources     []Source
	UpdatedSources []Source
	Answer         *Answer
}

type Store interface {
	CreateRun(ctx context.Context, run ResearchRun) error
	GetRun(ctx context.Context, runID string) (*ResearchRun, error)
	ListRuns(ctx context.Context, limit int, offset int) ([]ResearchRun, error)
	UpdateRun(ctx context.Context, run ResearchRun) error
	ListSteps(ctx context.Context, runID string) ([]ResearchStep, error)
	CommitStep(ctx context.Context, commit StepCommit) error
	ListSources(ctx context.Context, runID string) ([]Source, error)
	GetAnswer(ctx context.Context, runID string) (*Answer, error)
	AppendEvent(ctx context.Context, event PipelineEvent) error
	ListEvents(ctx context.Context, runID string, afterSeq int64) ([]PipelineEvent, error)
	NextSeq(ctx context.Context, runID string) (int64, error)
}
