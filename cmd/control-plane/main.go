package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/api"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/bootstrap"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/runs"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

type runExecutor interface {
	Execute(ctx context.Context, runID string, heartbeat func(ctx context.Context, iterations int)) (runs.Outcome, error)
	MarkFailed(ctx context.Context, runID string, detail string) error
}

var (
	loadConfig = func() (config.Config, error) {
		return bootstrap.LoadConfig()
	}
	newLogger   = bootstrap.NewLogger
	openStore   = bootstrap.OpenStore
	newBroker   = events.NewBroker
	newExecutor = func(ctx context.Context, cfg config.Config, params bootstrap.ExecutorParams) (runExecutor, error) {
		return bootstrap.NewExecutor(ctx, cfg, params)
	}
	dialTemporal       = client.Dial
	newWorkflowService = func(c client.Client, taskQueue string) runs.Launcher {
		return workflows.NewService(c, taskQueue)
	}
	newServer = func(st store.Store, broker *events.Broker, service *runs.Service, cfg config.Config, logger *slog.Logger) server {
		return api.NewServer(st, broker, service, cfg, logger)
	}
	notifyContext = signal.NotifyContext
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

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	broker := newBroker()
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	emitter := events.NewEmitter(st, broker, "control-plane")

	launcher, cleanup, err := newLauncher(ctx, cfg, st, emitter, logger)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		cleanup()
	}()

	service := runs.NewService(st, launcher, emitter, logger)
	srv := newServer(st, broker, service, cfg, logger)

	addr := fmt.Sprintf(":%s", cfg.ControlPlanePort)
	logger.Info("quizrunner control plane listening", "addr", addr, "executor", cfg.RunExecutor, "store", cfg.StoreDriver)
	if err := srv.Start(ctx, addr); err != nil {
		return err
	}

	return nil
}

// newLauncher picks where runs execute. For in-process runs the returned
// cleanup waits until every run has settled after ctx is cancelled.
func newLauncher(ctx context.Context, cfg config.Config, st store.Store, emitter store.EventEmitter, logger *slog.Logger) (runs.Launcher, func(), error) {
	switch cfg.RunExecutor {
	case config.ExecutorTemporal:
		temporalClient, err := dialTemporal(client.Options{
			HostPort: cfg.TemporalAddress,
			Logger:   temporallog.NewStructuredLogger(logger),
		})
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {}
		if temporalClient != nil {
			cleanup = temporalClient.Close
		}
		return newWorkflowService(temporalClient, cfg.TemporalTaskQueue), cleanup, nil
	default:
		executor, err := newExecutor(ctx, cfg, bootstrap.ExecutorParams{
			Store:       st,
			Emitter:     emitter,
			Logger:      logger,
			IsolateRuns: true,
		})
		if err != nil {
			return nil, nil, err
		}
		local := runs.NewLocalLauncher(ctx, executor, logger)
		return local, local.Wait, nil
	}
}
