package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/bootstrap"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/runs"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
)

type runExecutor interface {
	Execute(ctx context.Context, runID string, heartbeat func(ctx context.Context, iterations int)) (runs.Outcome, error)
}

var (
	loadConfig = func() (config.Config, error) {
		return bootstrap.LoadConfig()
	}
	newLogger   = bootstrap.NewLogger
	openStore   = bootstrap.OpenStore
	newExecutor = func(ctx context.Context, cfg config.Config, params bootstrap.ExecutorParams) (runExecutor, error) {
		return bootstrap.NewExecutor(ctx, cfg, params)
	}
	notifyContext = signal.NotifyContext
)

type runFlags struct {
	maxIterations int
	outputDir     string
	storeDriver   string
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "quizrunner",
		Short:         "Solve chained web quizzes with a tool-using language model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(out))
	return root
}

func newRunCmd(out io.Writer) *cobra.Command {
	flags := runFlags{}
	cmd := &cobra.Command{
		Use:   "run <url>",
		Short: "Start at url and follow the quiz chain until the model answers END",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuiz(cmd, out, args[0], flags)
		},
	}
	cmd.Flags().IntVar(&flags.maxIterations, "max-iterations", 0, "iteration ceiling (defaults to RECURSION_LIMIT)")
	cmd.Flags().StringVar(&flags.outputDir, "output-dir", "", "working directory for downloads and code (defaults to OUTPUT_DIR)")
	cmd.Flags().StringVar(&flags.storeDriver, "store", config.StoreMemory, "where the run is recorded: memory, sqlite or postgres")
	return cmd
}

func runQuiz(cmd *cobra.Command, out io.Writer, startURL string, flags runFlags) error {
	startURL = strings.TrimSpace(startURL)
	if err := runs.ValidateStartURL(startURL); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("max-iterations") {
		cfg.RecursionLimit = flags.maxIterations
	}
	if cmd.Flags().Changed("output-dir") {
		cfg.OutputDir = flags.outputDir
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(flags.storeDriver))
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, cancel := notifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	executor, err := newExecutor(ctx, cfg, bootstrap.ExecutorParams{
		Store:   st,
		Emitter: events.NewEmitter(st, nil, "cli"),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	runID := uuid.NewString()
	if err := st.CreateRun(ctx, store.Run{
		ID:        runID,
		StartURL:  startURL,
		Status:    store.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	logger.Info("run started", "run_id", runID, "url", startURL, "max_iterations", cfg.RecursionLimit)

	outcome, err := executor.Execute(ctx, runID, nil)
	if err != nil {
		return err
	}
	if outcome.Status != store.StatusCompleted {
		return fmt.Errorf("run %s %s after %d iterations: %s", runID, outcome.Status, outcome.Iterations, outcome.Reason)
	}
	fmt.Fprintln(out, "Tasks completed successfully")
	return nil
}
