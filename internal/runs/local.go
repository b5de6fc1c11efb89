package runs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrRunNotActive = errors.New("run is not active")

type runExecutor interface {
	Execute(ctx context.Context, runID string, heartbeat func(ctx context.Context, iterations int)) (Outcome, error)
	MarkFailed(ctx context.Context, runID string, detail string) error
}

// LocalLauncher executes runs in goroutines of the current process.
type LocalLauncher struct {
	executor runExecutor
	logger   *slog.Logger
	base     context.Context

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalLauncher ties every launched run to base; cancelling base stops
// all of them.
func NewLocalLauncher(base context.Context, executor runExecutor, logger *slog.Logger) *LocalLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalLauncher{
		executor: executor,
		logger:   logger,
		base:     base,
		active:   map[string]context.CancelFunc{},
	}
}

func (l *LocalLauncher) StartRun(_ context.Context, runID string) error {
	ctx, cancel := context.WithCancel(l.base)
	l.mu.Lock()
	if _, exists := l.active[runID]; exists {
		l.mu.Unlock()
		cancel()
		return nil
	}
	l.active[runID] = cancel
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer l.forget(runID)
		defer cancel()
		if _, err := l.executor.Execute(ctx, runID, nil); err != nil {
			l.logger.Error("run could not be executed", "run_id", runID, "error", err)
			if markErr := l.executor.MarkFailed(context.WithoutCancel(ctx), runID, err.Error()); markErr != nil {
				l.logger.Warn("record run failure failed", "run_id", runID, "error", markErr)
			}
		}
	}()
	return nil
}

func (l *LocalLauncher) CancelRun(_ context.Context, runID string) error {
	l.mu.Lock()
	cancel, ok := l.active[runID]
	l.mu.Unlock()
	if !ok {
		return ErrRunNotActive
	}
	cancel()
	return nil
}

// Active reports how many runs are still executing.
func (l *LocalLauncher) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// Wait blocks until every launched run has returned.
func (l *LocalLauncher) Wait() {
	l.wg.Wait()
}

func (l *LocalLauncher) forget(runID string) {
	l.mu.Lock()
	delete(l.active, runID)
	l.mu.Unlock()
}
