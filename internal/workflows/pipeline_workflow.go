package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const executePipelineActivity = "ExecutePipeline"

type PipelineInput struct {
	RunID        string
	ProviderMode string
}

type PipelineResult struct {
	Status       string
	ErrorMessage string
}

// PipelineWorkflow runs the research pipeline for one run on a worker. The
// executor resumes from the last completed step, so activity retries only
// redo unfinished work.
func PipelineWorkflow(ctx workflow.Context, input PipelineInput) (PipelineResult, error) {
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 20 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)
	logger := workflow.GetLogger(ctx)

	var result PipelineResult
	if err := workflow.ExecuteActivity(ctx, executePipelineActivity, input).Get(ctx, &result); err != nil {
		logger.Error("pipeline activity failed", "run_id", input.RunID, "error", err)
		return PipelineResult{}, err
	}
	logger.Info("pipeline finished", "run_id", input.RunID, "status", result.Status)
	return result, nil
}
