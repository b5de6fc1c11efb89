package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"
)

const DefaultMaxIterations = 5000

var ErrIterationLimit = errors.New("iteration limit exceeded")

// ToolExecutor runs model-requested tool calls. Call reports failures inside
// the returned string.
type ToolExecutor interface {
	Definitions() []llm.ToolDefinition
	Call(ctx context.Context, call llm.ToolCall) string
}

// Recorder observes a run as it progresses. Implementations must not block
// for long; they run inline with the loop.
type Recorder interface {
	MessageAppended(ctx context.Context, index int, msg llm.Message)
	ToolStarted(ctx context.Context, call llm.ToolCall)
	ToolFinished(ctx context.Context, call llm.ToolCall, result string, elapsed time.Duration)
}

type Options struct {
	SystemPrompt  string
	MaxIterations int
	Logger        *slog.Logger
	Recorder      Recorder
	// Heartbeat is called after every model turn with the current step count.
	Heartbeat func(ctx context.Context, iterations int)
}

type Result struct {
	Iterations int
	Transcript []llm.Message
}

type Runner struct {
	provider llm.Provider
	tools    ToolExecutor
	opts     Options
	logger   *slog.Logger
}

func NewRunner(provider llm.Provider, tools ToolExecutor, opts Options) *Runner {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}
	return &Runner{provider: provider, tools: tools, opts: opts, logger: logger}
}

// Run drives the model from initialURL until it answers with END. Every model
// call and every tool dispatch step counts toward MaxIterations.
func (r *Runner) Run(ctx context.Context, initialURL string) (Result, error) {
	transcript := &Transcript{}
	r.append(ctx, transcript, llm.Message{Role: llm.RoleUser, Content: initialURL})
	definitions := r.tools.Definitions()
	steps := 0

	result := func() Result {
		return Result{Iterations: steps, Transcript: transcript.Messages()}
	}
	nextStep := func() error {
		if steps >= r.opts.MaxIterations {
			return fmt.Errorf("%w: reached %d steps without END", ErrIterationLimit, r.opts.MaxIterations)
		}
		steps++
		return nil
	}

	r.logger.Info("run started", "url", initialURL, "max_iterations", r.opts.MaxIterations)
	for {
		if err := ctx.Err(); err != nil {
			return result(), err
		}
		if err := nextStep(); err != nil {
			return result(), err
		}
		reply, err := r.provider.Generate(ctx, llm.Request{
			System:   r.opts.SystemPrompt,
			Messages: transcript.Messages(),
			Tools:    definitions,
		})
		if err != nil {
			return result(), fmt.Errorf("model call at step %d: %w", steps, err)
		}
		r.append(ctx, transcript, reply.Message())
		if r.opts.Heartbeat != nil {
			r.opts.Heartbeat(ctx, steps)
		}

		if reply.Kind() == llm.ReplyToolCalls {
			if err := nextStep(); err != nil {
				return result(), err
			}
			r.dispatch(ctx, transcript, reply.ToolCalls())
			continue
		}
		if reply.IsEnd() {
			r.logger.Info("run finished", "url", initialURL, "iterations", steps)
			return result(), nil
		}
		r.logger.Debug("model replied without tool calls, asking again", "step", steps)
	}
}

// dispatch runs each call in order and appends exactly one tool message per call.
func (r *Runner) dispatch(ctx context.Context, transcript *Transcript, calls []llm.ToolCall) {
	for _, call := range calls {
		r.logger.Info("tool call", "tool", call.Name, "call_id", call.ID)
		r.opts.Recorder.ToolStarted(ctx, call)
		started := time.Now()
		output := r.tools.Call(ctx, call)
		elapsed := time.Since(started)
		r.opts.Recorder.ToolFinished(ctx, call, output, elapsed)
		r.append(ctx, transcript, llm.Message{
			Role:       llm.RoleTool,
			Content:    output,
			ToolCallID: call.ID,
			Name:       call.Name,
		})
	}
}

func (r *Runner) append(ctx context.Context, transcript *Transcript, msg llm.Message) {
	index := transcript.Append(msg)
	r.opts.Recorder.MessageAppended(ctx, index, msg)
}

type noopRecorder struct{}

func (noopRecorder) MessageAppended(context.Context, int, llm.Message) {}

func (noopRecorder) ToolStarted(context.Context, llm.ToolCall) {}

func (noopRecorder) ToolFinished(context.Context, llm.ToolCall, string, time.Duration) {}
