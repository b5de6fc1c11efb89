package main

import (
	"context"
	"log"
	"log/slog"
	"strings"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/bootstrap"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/runs"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/workflows"
)

type quizExecutor interface {
	Execute(ctx context.Context, runID string, heartbeat func(ctx context.Context, iterations int)) (runs.Outcome, error)
	MarkFailed(ctx context.Context, runID string, detail string) error
	MarkCancelled(ctx context.Context, runID string) error
}

var (
	loadConfig = func() (config.Config, error) {
		return bootstrap.LoadConfig()
	}
	newLogger    = bootstrap.NewLogger
	openStore    = bootstrap.OpenStore
	dialTemporal = client.Dial
	newExecutor  = func(ctx context.Context, cfg config.Config, params bootstrap.ExecutorParams) (quizExecutor, error) {
		return bootstrap.NewExecutor(ctx, cfg, params)
	}
	newWorker       = worker.New
	workerInterrupt = worker.InterruptCh
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
		Logger:   temporallog.NewStructuredLogger(logger),
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	executor, err := newExecutor(context.Background(), cfg, bootstrap.ExecutorParams{
		Store:       st,
		Emitter:     newEmitter(cfg, st),
		Logger:      logger,
		IsolateRuns: true,
	})
	if err != nil {
		return err
	}

	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.QuizWorkflow)
	w.RegisterActivity(workflows.NewQuizActivities(executor))

	logger.Info("quizrunner worker started", "task_queue", cfg.TemporalTaskQueue, "store", cfg.StoreDriver)
	if err := w.Run(workerInterrupt()); err != nil {
		return err
	}

	return nil
}

// newEmitter routes run events through the control plane when one is
// configured so its live subscribers see them.
func newEmitter(cfg config.Config, st store.Store) store.EventEmitter {
	if url := strings.TrimSpace(cfg.ControlPlaneURL); url != "" {
		return events.NewRemoteEmitter(url, "worker", nil)
	}
	return events.NewEmitter(st, nil, "worker")
}
