package workflows

import (
	"context"
	"errors"
	"log/slog"

	"go.temporal.io/sdk/temporal"

	"github.com/Keyring-Network/inquiryos/internal/pipeline"
)

const (
	ErrTypeRunNotFound = "RunNotFound"
	ErrTypeInvalidMode = "InvalidProviderMode"
	ErrTypeRunBusy     = "RunBusy"
)

type Executor interface {
	Execute(ctx context.Context, runID string, mode string) (pipeline.Result, error)
}

type PipelineActivities struct {
	executor Executor
	logger   *slog.Logger
}

func NewPipelineActivities(executor Executor, logger *slog.Logger) *PipelineActivities {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineActivities{executor: executor, logger: logger}
}

// ExecutePipeline drives one executor pass. Precondition failures are not
// retryable; store errors are returned as is and retried by the workflow.
func (a *PipelineActivities) ExecutePipeline(ctx context.Context, input PipelineInput) (PipelineResult, error) {
	result, err := a.executor.Execute(ctx, input.RunID, input.ProviderMode)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrRunNotFound):
		return PipelineResult{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeRunNotFound, err)
	case errors.Is(err, pipeline.ErrInvalidProviderMode):
		return PipelineResult{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidMode, err)
	case errors.Is(err, pipeline.ErrRunBusy):
		return PipelineResult{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeRunBusy, err)
	default:
		a.logger.Error("pipeline execution errored", "run_id", input.RunID, "error", err)
		return PipelineResult{}, err
	}
	a.logger.Info("pipeline execution finished", "run_id", input.RunID, "status", result.Run.Status)
	return PipelineResult{Status: result.Run.Status, ErrorMessage: result.Run.ErrorMessage}, nil
}
