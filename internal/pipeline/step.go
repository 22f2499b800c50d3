package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Keyring-Network/inquiryos/internal/agents"
	"github.com/Keyring-Network/inquiryos/internal/events"
	"github.com/Keyring-Network/inquiryos/internal/store"
)

// stepResult is the commit a successful step produces, minus the step row
// itself, plus the validated output for later steps.
type stepResult struct {
	store.StepCommit
	output store.Output
}

func (e *Executor) runStep(ctx context.Context, runID string, handler agents.Handler, stepType store.StepType, input store.StepInput, prior agents.Prior) (stepResult, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(attribute.String("step_type", string(stepType))))
	defer span.End()

	output, err := e.invoke(ctx, handler, stepType, input, prior)
	if err == nil {
		var result stepResult
		result, err = e.materialize(runID, stepType, output, prior)
		if err == nil {
			return result, nil
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return stepResult{}, err
}

// invoke calls the handler under the configured timeout. The handler runs on
// its own goroutine so a handler that ignores ctx still cannot stall the run.
func (e *Executor) invoke(ctx context.Context, handler agents.Handler, stepType store.StepType, input store.StepInput, prior agents.Prior) (store.Output, error) {
	handlerCtx, cancel := context.WithTimeout(ctx, e.cfg.HandlerTimeout)
	defer cancel()

	type outcome struct {
		output store.Output
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", recovered)}
			}
		}()
		output, err := handler.Handle(handlerCtx, input, prior)
		done <- outcome{output: output, err: err}
	}()

	var result outcome
	select {
	case result = <-done:
	case <-handlerCtx.Done():
		select {
		case result = <-done:
		default:
			if errors.Is(handlerCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("handler timed out after %s", e.cfg.HandlerTimeout)
			}
			return nil, fmt.Errorf("handler cancelled: %w", handlerCtx.Err())
		}
	}
	if result.err != nil {
		return nil, result.err
	}
	if result.output == nil {
		return nil, errors.New("handler returned no output")
	}
	if result.output.StepType() != stepType {
		return nil, fmt.Errorf("handler returned %s output", result.output.StepType())
	}
	if err := result.output.Validate(); err != nil {
		return nil, fmt.Errorf("invalid output: %w", err)
	}
	return result.output, nil
}

// materialize turns a validated output into the source and answer writes of
// its step. Searcher sources get ids here so later steps can address them.
func (e *Executor) materialize(runID string, stepType store.StepType, output store.Output, prior agents.Prior) (stepResult, error) {
	result := stepResult{output: output}
	existing := make(map[string]store.Source, len(prior.Sources))
	byURL := make(map[string]string, len(prior.Sources))
	for _, source := range prior.Sources {
		existing[source.ID] = source
		byURL[source.URL] = source.ID
	}

	switch out := output.(type) {
	case store.PlannerOutput:
		trimmed := make([]string, 0, len(out.Subquestions))
		for _, question := range out.Subquestions {
			trimmed = append(trimmed, strings.TrimSpace(question))
		}
		result.output = store.PlannerOutput{Subquestions: trimmed}
	case store.SearcherOutput:
		refs := make([]store.SourceRef, 0, len(out.Sources))
		for _, ref := range out.Sources {
			ref.URL = strings.TrimSpace(ref.URL)
			if id, ok := byURL[ref.URL]; ok {
				ref.ID = id
				refs = append(refs, ref)
				continue
			}
			ref.ID = e.newID()
			byURL[ref.URL] = ref.ID
			result.NewSources = append(result.NewSources, store.Source{
				ID:             ref.ID,
				RunID:          runID,
				URL:            ref.URL,
				Title:          ref.Title,
				RelevanceScore: ref.RelevanceScore,
				Metadata:       map[string]any{"step_type": string(stepType)},
				CreatedAt:      e.timestamp(),
			})
			refs = append(refs, ref)
		}
		result.output = store.SearcherOutput{Sources: refs, Notes: out.Notes}
	case store.ReaderOutput:
		for _, read := range out.Sources {
			source, ok := existing[read.ID]
			if !ok {
				return stepResult{}, fmt.Errorf("reader returned unknown source id %q", read.ID)
			}
			if read.Title != "" {
				source.Title = read.Title
			}
			source.Summary = read.Summary
			source.RawContent = read.RawContent
			result.UpdatedSources = append(result.UpdatedSources, source)
		}
	case store.SynthesizerOutput:
		// [Sn] labels follow the order sources were presented to the
		// synthesizer, not the order they were cited.
		labels := make(map[string]string, len(prior.Sources))
		for idx, source := range prior.Sources {
			if _, ok := labels[source.URL]; !ok {
				labels[source.URL] = fmt.Sprintf("S%d", idx+1)
			}
		}
		citations := map[string][]string{}
		for _, citedURL := range out.CitedURLs {
			citedURL = strings.TrimSpace(citedURL)
			label, ok := labels[citedURL]
			if !ok {
				continue
			}
			citations[label] = []string{byURL[citedURL]}
		}
		result.Answer = &store.Answer{
			ID:        e.newID(),
			RunID:     runID,
			Content:   out.Answer,
			Citations: citations,
			CreatedAt: e.timestamp(),
		}
	default:
		return stepResult{}, fmt.Errorf("unsupported output %T", output)
	}
	return result, nil
}

// emit persists a pipeline event and fans it out. Event delivery is
// observational: failures are logged and the pipeline continues.
func (e *Executor) emit(ctx context.Context, event store.PipelineEvent) {
	seq, err := e.store.NextSeq(ctx, event.RunID)
	if err != nil {
		e.logger.Warn("pipeline event sequence failed", "run_id", event.RunID, "type", event.Type, "error", err)
		return
	}
	event.Seq = seq
	event.CreatedAt = e.timestamp()
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.Warn("pipeline event append failed", "run_id", event.RunID, "type", event.Type, "error", err)
		return
	}
	if e.publisher != nil {
		e.publisher.Publish(events.FromStore(event))
	}
}

type executorMetrics struct {
	executions   metric.Int64Counter
	stepDuration metric.Float64Histogram
}

func newExecutorMetrics(meter metric.Meter) executorMetrics {
	executions, _ := meter.Int64Counter("inquiryos.pipeline.executions",
		metric.WithDescription("Pipeline executions by outcome"))
	stepDuration, _ := meter.Float64Histogram("inquiryos.step.duration",
		metric.WithDescription("Step handler latency"),
		metric.WithUnit("ms"))
	return executorMetrics{executions: executions, stepDuration: stepDuration}
}

func (e *Executor) observeStep(ctx context.Context, stepType store.StepType, status string, duration time.Duration) {
	e.metrics.stepDuration.Record(ctx, float64(duration.Microseconds())/1000.0,
		metric.WithAttributes(
			attribute.String("step_type", string(stepType)),
			attribute.String("status", status),
		))
}
