package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/agent"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/browser"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/tools"
)

const (
	ReasonEnd       = "end"
	ReasonCancelled = "user_requested"
	finalizeTimeout = 10 * time.Second
)

// Outcome is the terminal state a run was recorded with.
type Outcome struct {
	Status     string
	Reason     string
	Iterations int
}

type ExecutorOptions struct {
	Config   config.Config
	Provider llm.Provider
	Renderer browser.Renderer
	Emitter  store.EventEmitter
	Logger   *slog.Logger
	// IsolateRuns gives every run its own working directory under
	// Config.OutputDir so concurrent runs do not share files.
	IsolateRuns bool
	// HTTPClient is shared by the network tools. Nil lets each tool use its
	// own client and timeout.
	HTTPClient *http.Client
}

// Executor drives the agent loop for one stored run and records how it ended.
type Executor struct {
	store    store.Store
	opts     ExecutorOptions
	logger   *slog.Logger
	newTools func(tools.QuizConfig) agent.ToolExecutor
}

func NewExecutor(st store.Store, opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:  st,
		opts:   opts,
		logger: logger,
		newTools: func(cfg tools.QuizConfig) agent.ToolExecutor {
			return tools.NewQuizRegistry(cfg)
		},
	}
}

// Execute runs runID to completion. Failures of the loop itself are recorded
// on the run and reported through Outcome; the error is reserved for runs that
// could not be started.
func (e *Executor) Execute(ctx context.Context, runID string, heartbeat func(ctx context.Context, iterations int)) (Outcome, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if store.IsTerminalStatus(run.Status) {
		return Outcome{Status: run.Status, Reason: run.CompletionReason, Iterations: run.Iterations}, nil
	}
	if err := e.store.UpdateRunStatus(ctx, runID, store.StatusRunning, "", 0); err != nil {
		return Outcome{}, fmt.Errorf("mark run %s running: %w", runID, err)
	}
	e.emit(ctx, runID, events.TypeRunStarted, map[string]any{"status": store.StatusRunning, "url": run.StartURL})

	logger := e.logger.With("run_id", runID)
	cfg := e.opts.Config
	outputDir := cfg.OutputDir
	if e.opts.IsolateRuns {
		outputDir = filepath.Join(outputDir, runID)
	}
	registry := e.newTools(tools.QuizConfig{
		RunID:         runID,
		OutputDir:     outputDir,
		CodeRunner:    strings.Fields(cfg.CodeRunner),
		CodeFilename:  cfg.CodeFilename,
		ToolRunnerURL: cfg.ToolRunnerURL,
		Credentials:   tools.Credentials{Email: cfg.Email, Secret: cfg.Secret},
		Renderer:      e.opts.Renderer,
		HTTPClient:    e.opts.HTTPClient,
		Logger:        logger,
	})
	runner := agent.NewRunner(e.opts.Provider, registry, agent.Options{
		SystemPrompt:  agent.BuildSystemPrompt(cfg.Email, cfg.Secret),
		MaxIterations: cfg.RecursionLimit,
		Logger:        logger,
		Recorder:      store.NewRecorder(e.store, runID, e.opts.Emitter, logger),
		Heartbeat:     heartbeat,
	})

	result, runErr := runner.Run(ctx, run.StartURL)
	outcome := classify(ctx, result, runErr)

	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := e.store.UpdateRunStatus(finalizeCtx, runID, outcome.Status, outcome.Reason, outcome.Iterations); err != nil {
		logger.Error("record run outcome failed", "status", outcome.Status, "error", err)
	}
	payload := map[string]any{
		"status":            outcome.Status,
		"completion_reason": outcome.Reason,
		"iterations":        outcome.Iterations,
	}
	if runErr != nil && outcome.Status == store.StatusFailed {
		payload["error"] = runErr.Error()
	}
	e.emit(finalizeCtx, runID, terminalEventType(outcome.Status), payload)

	if outcome.Status == store.StatusFailed {
		logger.Error("run failed", "iterations", outcome.Iterations, "error", runErr)
	} else {
		logger.Info("run finished", "status", outcome.Status, "iterations", outcome.Iterations)
	}
	return outcome, nil
}

// MarkFailed records a failure that happened outside the agent loop.
func (e *Executor) MarkFailed(ctx context.Context, runID string, detail string) error {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = "unknown run error"
	}
	return e.settle(ctx, runID, store.StatusFailed, detail, map[string]any{"error": detail})
}

// MarkCancelled settles a run that was cancelled before the loop could
// observe it.
func (e *Executor) MarkCancelled(ctx context.Context, runID string) error {
	return e.settle(ctx, runID, store.StatusCancelled, ReasonCancelled, nil)
}

// settle is a no-op for runs that already reached a terminal status.
func (e *Executor) settle(ctx context.Context, runID string, status string, reason string, extra map[string]any) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if store.IsTerminalStatus(run.Status) {
		return nil
	}
	if err := e.store.UpdateRunStatus(ctx, runID, status, reason, run.Iterations); err != nil {
		return err
	}
	payload := map[string]any{"status": status, "completion_reason": reason}
	for key, value := range extra {
		payload[key] = value
	}
	e.emit(ctx, runID, terminalEventType(status), payload)
	return nil
}

func (e *Executor) emit(ctx context.Context, runID string, eventType string, payload map[string]any) {
	if e.opts.Emitter == nil {
		return
	}
	if err := e.opts.Emitter.Emit(ctx, runID, eventType, payload); err != nil {
		e.logger.Warn("emit run event failed", "run_id", runID, "type", eventType, "error", err)
	}
}

func classify(ctx context.Context, result agent.Result, err error) Outcome {
	outcome := Outcome{Iterations: result.Iterations}
	switch {
	case err == nil:
		outcome.Status = store.StatusCompleted
		outcome.Reason = ReasonEnd
	case errors.Is(ctx.Err(), context.Canceled):
		outcome.Status = store.StatusCancelled
		outcome.Reason = ReasonCancelled
	case errors.Is(err, agent.ErrIterationLimit):
		outcome.Status = store.StatusFailed
		outcome.Reason = "iteration_limit"
	default:
		outcome.Status = store.StatusFailed
		outcome.Reason = err.Error()
	}
	return outcome
}

func terminalEventType(status string) string {
	switch status {
	case store.StatusCompleted:
		return events.TypeRunCompleted
	case store.StatusCancelled:
		return events.TypeRunCancelled
	default:
		return events.TypeRunFailed
	}
}
