package workflows

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/runs"
)

const DefaultTaskQueue = "quiz-runs"

// Service launches runs as Temporal workflows. It satisfies runs.Launcher.
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

func (s *Service) StartRun(ctx context.Context, runID string) error {
	options := client.StartWorkflowOptions{
		ID:        workflowID(runID),
		TaskQueue: s.taskQueue,
	}
	_, err := s.client.ExecuteWorkflow(ctx, options, QuizWorkflow, QuizInput{RunID: runID})
	return err
}

func (s *Service) CancelRun(ctx context.Context, runID string) error {
	err := s.client.CancelWorkflow(ctx, workflowID(runID), "")
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return runs.ErrRunNotActive
	}
	return err
}

func workflowID(runID string) string {
	return fmt.Sprintf("quiz-run:%s", runID)
}
