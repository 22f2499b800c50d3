// Package pipeline runs the planner, searcher, reader and synthesizer steps
// of a research run and derives the run state shown to clients.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Keyring-Network/inquiryos/internal/agents"
	"github.com/Keyring-Network/inquiryos/internal/events"
	"github.com/Keyring-Network/inquiryos/internal/runlock"
	"github.com/Keyring-Network/inquiryos/internal/store"
	"github.com/Keyring-Network/inquiryos/internal/telemetry"
)

const defaultHandlerTimeout = 60 * time.Second

// Locker grants non-blocking exclusive access to a run. Implementations
// return runlock.ErrBusy when another holder owns the run.
type Locker interface {
	TryAcquire(ctx context.Context, runID string) (func(), error)
	Held(ctx context.Context, runID string) (bool, error)
}

type Publisher interface {
	Publish(event events.PipelineEvent)
}

type Config struct {
	DefaultMode    string
	HandlerTimeout time.Duration
}

type Result struct {
	Run   store.ResearchRun
	Steps []store.ResearchStep
}

type Executor struct {
	store     store.Store
	registry  *agents.Registry
	locker    Locker
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   executorMetrics
	now       func() time.Time
	newID     func() string
}

type Option func(*Executor)

func WithPublisher(publisher Publisher) Option {
	return func(e *Executor) { e.publisher = publisher }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func WithMeter(meter metric.Meter) Option {
	return func(e *Executor) { e.metrics = newExecutorMetrics(meter) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(st store.Store, registry *agents.Registry, locker Locker, cfg Config, opts ...Option) *Executor {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	e := &Executor{
		store:    st,
		registry: registry,
		locker:   locker,
		cfg:      cfg,
		logger:   slog.Default(),
		tracer:   telemetry.Tracer("inquiryos/pipeline"),
		metrics:  newExecutorMetrics(telemetry.Meter("inquiryos/pipeline")),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs every step of runID that has not completed yet, in order,
// stopping at the first failure. Handler failures are recorded on the run and
// returned inside Result; only precondition and storage failures are errors.
func (e *Executor) Execute(ctx context.Context, runID string, mode string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	result, outcome, err := e.execute(ctx, runID, mode)
	e.metrics.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", outcome)))
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (e *Executor) execute(ctx context.Context, runID string, mode string) (Result, string, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return Result{}, "error", fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return Result{}, "not_found", ErrRunNotFound
	}
	mode = e.resolveMode(*run, mode)
	set, ok := e.registry.Lookup(mode)
	if !ok {
		return Result{}, "invalid_mode", fmt.Errorf("%w: %q", ErrInvalidProviderMode, mode)
	}

	release, err := e.locker.TryAcquire(ctx, runID)
	if err != nil {
		if errors.Is(err, runlock.ErrBusy) {
			return Result{}, "busy", ErrRunBusy
		}
		return Result{}, "error", fmt.Errorf("acquire run lock: %w", err)
	}
	defer release()
	// Once the lock is held the pipeline runs to completion or first failure;
	// a caller that goes away does not abort it. Handler timeouts still apply.
	ctx = context.WithoutCancel(ctx)

	run, err = e.store.GetRun(ctx, runID)
	if err != nil {
		return Result{}, "error", fmt.Errorf("reload run: %w", err)
	}
	if run == nil {
		return Result{}, "not_found", ErrRunNotFound
	}
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return Result{}, "error", fmt.Errorf("list steps: %w", err)
	}
	latest := store.LatestByType(steps)
	if run.Status == store.RunStatusCompleted && allCompleted(latest) {
		return Result{Run: *run, Steps: steps}, "noop", nil
	}

	run.Status = store.RunStatusRunning
	run.ErrorMessage = ""
	run.ModelProvider = mode
	run.UpdatedAt = e.timestamp()
	if err := e.store.UpdateRun(ctx, *run); err != nil {
		return Result{}, "error", fmt.Errorf("mark run running: %w", err)
	}
	logger := e.logger.With("run_id", runID, "mode", mode)
	logger.Info("pipeline started")
	e.emit(ctx, store.PipelineEvent{RunID: runID, Type: events.TypePipelineStarted, Mode: mode})
	pipelineStart := e.now()

	sources, err := e.store.ListSources(ctx, runID)
	if err != nil {
		return Result{}, "error", fmt.Errorf("list sources: %w", err)
	}
	prior := agents.Prior{Outputs: map[store.StepType]store.Output{}, Sources: sources}
	for stepType, step := range latest {
		if step.Status == store.StepStatusCompleted && step.Output != nil {
			prior.Outputs[stepType] = step.Output
		}
	}
	nextIndex := store.NextStepIndex(steps)

	for _, stepType := range store.StepOrder {
		if step, ok := latest[stepType]; ok && step.Status == store.StepStatusCompleted {
			continue
		}
		handler, _ := set.Handler(stepType)
		input := buildInput(run.Query, prior)

		e.emit(ctx, store.PipelineEvent{RunID: runID, Type: events.TypeStepStarted, Mode: mode, Stage: string(stepType)})
		started := e.now()
		commit, stepErr := e.runStep(ctx, runID, handler, stepType, input, prior)
		duration := e.now().Sub(started)

		commit.Step = store.ResearchStep{
			ID:        e.newID(),
			RunID:     runID,
			StepIndex: nextIndex,
			StepType:  stepType,
			Status:    store.StepStatusCompleted,
			Input:     input,
			CreatedAt: e.timestamp(),
		}
		if stepErr != nil {
			commit.StepCommit = store.StepCommit{Step: commit.Step}
			commit.Step.Status = store.StepStatusFailed
			commit.Step.ErrorMessage = stepErr.Error()
		} else {
			commit.Step.Output = commit.output
		}
		if err := e.store.CommitStep(ctx, commit.StepCommit); err != nil {
			return Result{}, "error", fmt.Errorf("commit %s step: %w", stepType, err)
		}
		nextIndex++
		e.observeStep(ctx, stepType, commit.Step.Status, duration)

		if stepErr != nil {
			logger.Warn("pipeline step failed", "step_type", stepType, "error", stepErr)
			e.emit(ctx, store.PipelineEvent{RunID: runID, Type: events.TypeStepFailed, Mode: mode, Stage: string(stepType), DurationMS: duration.Milliseconds(), ErrorMessage: stepErr.Error()})
			run.Status = store.RunStatusFailed
			run.ErrorMessage = fmt.Sprintf("%s: %s", stepType, stepErr.Error())
			run.UpdatedAt = e.timestamp()
			if err := e.store.UpdateRun(ctx, *run); err != nil {
				return Result{}, "error", fmt.Errorf("mark run failed: %w", err)
			}
			e.emit(ctx, store.PipelineEvent{RunID: runID, Type: events.TypePipelineFailed, Mode: mode, Stage: string(stepType), DurationMS: e.now().Sub(pipelineStart).Milliseconds(), ErrorMessage: run.ErrorMessage})
			result, err := e.result(ctx, *run)
			return result, "failed", err
		}

		prior.Outputs[stepType] = commit.output
		if len(commit.NewSources) > 0 || len(commit.UpdatedSources) > 0 {
			if prior.Sources, err = e.store.ListSources(ctx, runID); err != nil {
				return Result{}, "error", fmt.Errorf("list sources: %w", err)
			}
		}
		logger.Info("pipeline step completed", "step_type", stepType, "duration_ms", duration.Milliseconds())
		e.emit(ctx, store.PipelineEvent{RunID: runID, Type: events.TypeStepCompleted, Mode: mode, Stage: string(stepType), DurationMS: duration.Milliseconds()})
	}

	run.Status = store.RunStatusCompleted
	run.UpdatedAt = e.timestamp()
	if err := e.store.UpdateRun(ctx, *run); err != nil {
		return Result{}, "error", fmt.Errorf("mark run completed: %w", err)
	}
	logger.Info("pipeline completed")
	e.emit(ctx, store.PipelineEvent{RunID: runID, Type: events.TypePipelineCompleted, Mode: mode, DurationMS: e.now().Sub(pipelineStart).Milliseconds()})
	result, err := e.result(ctx, *run)
	return result, "completed", err
}

func (e *Executor) resolveMode(run store.ResearchRun, requested string) string {
	mode := strings.ToLower(strings.TrimSpace(requested))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(run.ModelProvider))
	}
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(e.cfg.DefaultMode))
	}
	return mode
}

func (e *Executor) result(ctx context.Context, run store.ResearchRun) (Result, error) {
	steps, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list steps: %w", err)
	}
	return Result{Run: run, Steps: steps}, nil
}

func (e *Executor) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func buildInput(query string, prior agents.Prior) store.StepInput {
	input := store.StepInput{Query: query}
	if planner, ok := prior.Planner(); ok {
		input.Subquestions = append([]string(nil), planner.Subquestions...)
	}
	for _, source := range prior.Sources {
		input.SourceIDs = append(input.SourceIDs, source.ID)
	}
	return input
}

func allCompleted(latest map[store.StepType]store.ResearchStep) bool {
	for _, stepType := range store.StepOrder {
		step, ok := latest[stepType]
		if !ok || step.Status != store.StepStatusCompleted {
			return false
		}
	}
	return true
}
