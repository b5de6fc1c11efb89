package workflows

import (
	"context"
	"errors"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/runs"
)

type quizExecutor interface {
	Execute(ctx context.Context, runID string, heartbeat func(ctx context.Context, iterations int)) (runs.Outcome, error)
	MarkFailed(ctx context.Context, runID string, detail string) error
	MarkCancelled(ctx context.Context, runID string) error
}

// QuizActivities is registered with the worker; method names are the
// activity names.
type QuizActivities struct {
	executor quizExecutor
}

func NewQuizActivities(executor quizExecutor) *QuizActivities {
	return &QuizActivities{executor: executor}
}

func (a *QuizActivities) SolveQuiz(ctx context.Context, input QuizInput) (QuizResult, error) {
	if strings.TrimSpace(input.RunID) == "" {
		return QuizResult{}, errors.New("run_id required")
	}
	logger := activity.GetLogger(ctx)
	logger.Info("solving quiz run", "run_id", input.RunID)

	outcome, err := a.executor.Execute(ctx, input.RunID, func(ctx context.Context, iterations int) {
		activity.RecordHeartbeat(ctx, iterations)
	})
	if err != nil {
		return QuizResult{}, err
	}
	if outcome.Status == "cancelled" && ctx.Err() != nil {
		return QuizResult{}, ctx.Err()
	}
	return QuizResult{Status: outcome.Status, Reason: outcome.Reason, Iterations: outcome.Iterations}, nil
}

func (a *QuizActivities) HandleRunFailure(ctx context.Context, input RunFailureInput) error {
	if strings.TrimSpace(input.RunID) == "" {
		return errors.New("run_id required")
	}
	detail := strings.TrimSpace(input.Error)
	if detail == "" {
		detail = "unknown workflow activity error"
	}
	return a.executor.MarkFailed(ctx, input.RunID, detail)
}

func (a *QuizActivities) HandleRunCancelled(ctx context.Context, input QuizInput) error {
	if strings.TrimSpace(input.RunID) == "" {
		return errors.New("run_id required")
	}
	return a.executor.MarkCancelled(ctx, input.RunID)
}
