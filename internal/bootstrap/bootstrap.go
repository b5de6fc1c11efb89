// Package bootstrap wires configuration into the long-lived components the
// binaries share: the logger, the run store and the run executor.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/browser"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/logging"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/runs"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store/memory"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store/postgres"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store/sqlite"
)

var (
	openSQLite   = func(path string) (store.Store, error) { return sqlite.New(path) }
	openPostgres = func(conn string) (store.Store, error) { return postgres.New(conn) }
	newProvider  = llm.NewProvider
)

// LoadConfig reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func LoadConfig(envFiles ...string) (config.Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.Config{}, fmt.Errorf("load env file: %w", err)
	}
	return config.Load()
}

func NewLogger(cfg config.Config) (*slog.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
}

func OpenStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return memory.New(), nil
	case config.StoreSQLite:
		st, err := openSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case config.StorePostgres:
		st, err := openPostgres(cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

// ExecutorParams carries what NewExecutor needs beyond the configuration.
type ExecutorParams struct {
	Store       store.Store
	Emitter     store.EventEmitter
	Logger      *slog.Logger
	IsolateRuns bool
}

// NewExecutor builds the rate limited model provider and the headless
// browser renderer and hands them to a runs.Executor.
func NewExecutor(ctx context.Context, cfg config.Config, params ExecutorParams) (*runs.Executor, error) {
	logger := logging.OrDefault(params.Logger)
	provider, err := newProvider(ctx, llm.Config{
		Mode:              cfg.LLMMode,
		Provider:          cfg.LLMProvider,
		Model:             cfg.LLMModel,
		BaseURL:           cfg.LLMBaseURL,
		GoogleAPIKey:      cfg.GoogleAPIKey,
		OpenAIAPIKey:      cfg.OpenAIAPIKey,
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		RequestsPerMinute: cfg.LLMRequestsPerMinute,
		Burst:             cfg.LLMBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("create llm provider: %w", err)
	}
	renderer := browser.NewChromeRenderer(browser.Config{
		Quiescence: cfg.BrowserQuiescence,
		Timeout:    cfg.BrowserTimeout,
		ExecPath:   cfg.BrowserExecPath,
		Logger:     logger,
	})
	return runs.NewExecutor(params.Store, runs.ExecutorOptions{
		Config:      cfg,
		Provider:    provider,
		Renderer:    renderer,
		Emitter:     params.Emitter,
		Logger:      logger,
		IsolateRuns: params.IsolateRuns,
	}), nil
}
