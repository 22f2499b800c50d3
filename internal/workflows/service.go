package workflows

import (
	"context"
	"fmt"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

const DefaultTaskQueue = "inquiryos-pipeline"

type Service struct {
	client    client.Client
	taskQueue string
}

func NewService(client client.Client, taskQueue string) *Service {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Service{client: client, taskQueue: taskQueue}
}

// StartPipeline schedules PipelineWorkflow for the run. A workflow already
// running for the run is reused, so repeated enqueues do not stack.
func (s *Service) StartPipeline(ctx context.Context, runID string, mode string) error {
	options := client.StartWorkflowOptions{
		ID:                       workflowID(runID),
		TaskQueue:                s.taskQueue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}
	_, err := s.client.ExecuteWorkflow(ctx, options, PipelineWorkflow, PipelineInput{RunID: runID, ProviderMode: mode})
	return err
}

func workflowID(runID string) string {
	return fmt.Sprintf("research-run:%s", runID)
}
