package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	SolveQuizActivity          = "SolveQuiz"
	HandleRunFailureActivity   = "HandleRunFailure"
	HandleRunCancelledActivity = "HandleRunCancelled"

	solveTimeout     = 12 * time.Hour
	heartbeatTimeout = 15 * time.Minute
)

type QuizInput struct {
	RunID string
}

type QuizResult struct {
	Status     string
	Reason     string
	Iterations int
}

type RunFailureInput struct {
	RunID string
	Error string
}

// QuizWorkflow hosts one agent run in a single attempt and records how it
// ended when the activity itself could not.
func QuizWorkflow(ctx workflow.Context, input QuizInput) (QuizResult, error) {
	solveCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: solveTimeout,
		HeartbeatTimeout:    heartbeatTimeout,
		WaitForCancellation: true,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})
	logger := workflow.GetLogger(ctx)

	var result QuizResult
	err := workflow.ExecuteActivity(solveCtx, SolveQuizActivity, input).Get(solveCtx, &result)
	if err == nil {
		return result, nil
	}

	settleCtx, _ := workflow.NewDisconnectedContext(ctx)
	settleCtx = workflow.WithActivityOptions(settleCtx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	})
	if temporal.IsCanceledError(err) {
		logger.Info("quiz run cancelled", "run_id", input.RunID)
		if settleErr := workflow.ExecuteActivity(settleCtx, HandleRunCancelledActivity, input).Get(settleCtx, nil); settleErr != nil {
			logger.Error("failed to record run cancellation", "error", settleErr)
		}
		return QuizResult{Status: "cancelled"}, nil
	}

	logger.Error("solve activity failed", "run_id", input.RunID, "error", err)
	failure := RunFailureInput{RunID: input.RunID, Error: "solve: " + err.Error()}
	if settleErr := workflow.ExecuteActivity(settleCtx, HandleRunFailureActivity, failure).Get(settleCtx, nil); settleErr != nil {
		logger.Error("failed to record run failure", "error", settleErr)
	}
	return QuizResult{Status: "failed", Reason: failure.Error}, nil
}
