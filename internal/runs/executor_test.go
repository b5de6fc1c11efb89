package runs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/agent"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store/memory"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/tools"
)

type scriptedProvider struct {
	mu      sync.Mutex
	replies []llm.Reply
	calls   int
	block   bool
	err     error
	started chan struct{}
}

func (p *scriptedProvider) Generate(ctx context.Context, req llm.Request) (llm.Reply, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	if p.block {
		if p.started != nil && call == 1 {
			close(p.started)
		}
		<-ctx.Done()
		return llm.Reply{}, ctx.Err()
	}
	if p.err != nil {
		return llm.Reply{}, p.err
	}
	if len(p.replies) == 0 {
		return llm.TextReply("still thinking"), nil
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return reply, nil
}

type fakeTools struct {
	mu    sync.Mutex
	calls []llm.ToolCall
}

func (f *fakeTools) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{{Name: tools.FetchToolName, Parameters: map[string]any{"type": "object"}}}
}

func (f *fakeTools) Call(ctx context.Context, call llm.ToolCall) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return "<html>quiz</html>"
}

type executorFixture struct {
	store    *memory.MemoryStore
	broker   *events.Broker
	tools    *fakeTools
	executor *Executor
	captured tools.QuizConfig
}

func newExecutorFixture(t *testing.T, provider llm.Provider, mutate func(*config.Config)) *executorFixture {
	t.Helper()
	cfg := config.Config{
		Email:          "student@example.com",
		Secret:         "s3cret",
		RecursionLimit: 50,
		OutputDir:      t.TempDir(),
		CodeRunner:     "uv run",
		CodeFilename:   "runner.py",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f := &executorFixture{store: memory.New(), broker: events.NewBroker(), tools: &fakeTools{}}
	f.executor = NewExecutor(f.store, ExecutorOptions{
		Config:      cfg,
		Provider:    provider,
		Emitter:     events.NewEmitter(f.store, f.broker, "agent"),
		IsolateRuns: true,
	})
	f.executor.newTools = func(qc tools.QuizConfig) agent.ToolExecutor {
		f.captured = qc
		return f.tools
	}
	return f
}

func (f *executorFixture) seedRun(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.CreateRun(context.Background(), store.Run{ID: id, StartURL: "https://quiz.example/start"}))
}

func eventTypes(t *testing.T, st store.Store, runID string) []string {
	t.Helper()
	stored, err := st.ListEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(stored))
	for _, ev := range stored {
		types = append(types, ev.Type)
	}
	return types
}

func TestExecutor_CompletesOnEnd(t *testing.T) {
	provider := &scriptedProvider{replies: []llm.Reply{
		llm.ToolCallsReply("", []llm.ToolCall{{ID: "c1", Name: tools.FetchToolName, Arguments: json.RawMessage(`{"url":"https://quiz.example/start"}`)}}),
		llm.TextReply("END"),
	}}
	f := newExecutorFixture(t, provider, nil)
	f.seedRun(t, "run-1")

	var beats []int
	outcome, err := f.executor.Execute(context.Background(), "run-1", func(ctx context.Context, iterations int) {
		beats = append(beats, iterations)
	})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Status: store.StatusCompleted, Reason: ReasonEnd, Iterations: 3}, outcome)
	assert.Equal(t, []int{1, 3}, beats)

	run, err := f.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, run.Status)
	assert.Equal(t, 3, run.Iterations)

	messages, err := f.store.ListMessages(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, "https://quiz.example/start", messages[0].Content)
	assert.Equal(t, "c1", messages[2].ToolCallID)
	assert.Equal(t, "END", messages[3].Content)

	types := eventTypes(t, f.store, "run-1")
	assert.Equal(t, events.TypeRunStarted, types[0])
	assert.Equal(t, events.TypeRunCompleted, types[len(types)-1])
	assert.Contains(t, types, events.TypeToolStarted)
	assert.Contains(t, types, events.TypeToolCompleted)

	require.Len(t, f.tools.calls, 1)
	assert.Equal(t, []string{"uv", "run"}, f.captured.CodeRunner)
	assert.Equal(t, "run-1", f.captured.RunID)
	assert.Contains(t, f.captured.OutputDir, "run-1")
	assert.Equal(t, "student@example.com", f.captured.Credentials.Email)
}

func TestExecutor_ToolsKeepTheirOwnHTTPClients(t *testing.T) {
	f := newExecutorFixture(t, &scriptedProvider{replies: []llm.Reply{llm.TextReply("END"), llm.TextReply("END")}}, nil)
	f.seedRun(t, "run-client")

	_, err := f.executor.Execute(context.Background(), "run-client", nil)
	require.NoError(t, err)
	assert.Nil(t, f.captured.HTTPClient)

	shared := &http.Client{}
	f.executor.opts.HTTPClient = shared
	f.seedRun(t, "run-shared")
	_, err = f.executor.Execute(context.Background(), "run-shared", nil)
	require.NoError(t, err)
	assert.Same(t, shared, f.captured.HTTPClient)
}

func TestExecutor_IterationLimitFails(t *testing.T) {
	f := newExecutorFixture(t, &scriptedProvider{}, func(cfg *config.Config) { cfg.RecursionLimit = 2 })
	f.seedRun(t, "run-limit")

	outcome, err := f.executor.Execute(context.Background(), "run-limit", nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, outcome.Status)
	assert.Equal(t, "iteration_limit", outcome.Reason)
	assert.Equal(t, 2, outcome.Iterations)

	stored, err := f.store.ListEvents(context.Background(), "run-limit", 0)
	require.NoError(t, err)
	last := stored[len(stored)-1]
	assert.Equal(t, events.TypeRunFailed, last.Type)
	assert.Contains(t, last.Payload["error"], "iteration limit")
}

func TestExecutor_ProviderErrorFails(t *testing.T) {
	f := newExecutorFixture(t, &scriptedProvider{err: errors.New("quota exhausted")}, nil)
	f.seedRun(t, "run-err")

	outcome, err := f.executor.Execute(context.Background(), "run-err", nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Reason, "quota exhausted")

	run, err := f.store.GetRun(context.Background(), "run-err")
	require.NoError(t, err)
	assert.Contains(t, run.CompletionReason, "quota exhausted")
}

func TestExecutor_CancelledContext(t *testing.T) {
	provider := &scriptedProvider{block: true, started: make(chan struct{})}
	f := newExecutorFixture(t, provider, nil)
	f.seedRun(t, "run-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-provider.started
		cancel()
	}()
	outcome, err := f.executor.Execute(ctx, "run-cancel", nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, outcome.Status)

	run, err := f.store.GetRun(context.Background(), "run-cancel")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, run.Status)
	types := eventTypes(t, f.store, "run-cancel")
	assert.Equal(t, events.TypeRunCancelled, types[len(types)-1])
}

func TestExecutor_MissingAndFinishedRuns(t *testing.T) {
	provider := &scriptedProvider{}
	f := newExecutorFixture(t, provider, nil)

	_, err := f.executor.Execute(context.Background(), "missing", nil)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, f.store.CreateRun(context.Background(), store.Run{ID: "done", StartURL: "https://quiz.example", Status: store.StatusCompleted, CompletionReason: ReasonEnd, Iterations: 4}))
	outcome, err := f.executor.Execute(context.Background(), "done", nil)
	require.NoError(t, err)
	assert.Equal(t, Outcome{Status: store.StatusCompleted, Reason: ReasonEnd, Iterations: 4}, outcome)
	assert.Zero(t, provider.calls)
}

func TestExecutor_MarkFailed(t *testing.T) {
	f := newExecutorFixture(t, &scriptedProvider{}, nil)
	f.seedRun(t, "run-mark")

	require.NoError(t, f.executor.MarkFailed(context.Background(), "run-mark", "  "))
	run, err := f.store.GetRun(context.Background(), "run-mark")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, run.Status)
	assert.Equal(t, "unknown run error", run.CompletionReason)

	require.NoError(t, f.executor.MarkFailed(context.Background(), "run-mark", "again"))
	run, err = f.store.GetRun(context.Background(), "run-mark")
	require.NoError(t, err)
	assert.Equal(t, "unknown run error", run.CompletionReason)
	assert.Equal(t, []string{events.TypeRunFailed}, eventTypes(t, f.store, "run-mark"))
}

func TestExecutor_MarkCancelled(t *testing.T) {
	f := newExecutorFixture(t, &scriptedProvider{}, nil)
	f.seedRun(t, "run-queued")

	require.NoError(t, f.executor.MarkCancelled(context.Background(), "run-queued"))
	run, err := f.store.GetRun(context.Background(), "run-queued")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, run.Status)
	assert.Equal(t, ReasonCancelled, run.CompletionReason)
	assert.Equal(t, []string{events.TypeRunCancelled}, eventTypes(t, f.store, "run-queued"))

	assert.ErrorIs(t, f.executor.MarkCancelled(context.Background(), "missing"), store.ErrNotFound)
}
