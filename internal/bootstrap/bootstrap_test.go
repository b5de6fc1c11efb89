package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store/memory"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store/sqlite"
)

// unsetEnv clears key for the test and restores it afterwards.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoadConfig_ReadsEnvFile(t *testing.T) {
	unsetEnv(t, "RECURSION_LIMIT")
	unsetEnv(t, "EMAIL")
	t.Setenv("STORE_DRIVER", "memory")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RECURSION_LIMIT=42\nEMAIL=student@example.com\nSTORE_DRIVER=postgres\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 42, cfg.RecursionLimit)
	require.Equal(t, "student@example.com", cfg.Email)
	require.Equal(t, config.StoreMemory, cfg.StoreDriver)
}

func TestLoadConfig_MissingEnvFileIsIgnored(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("RECURSION_LIMIT", "7")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.Equal(t, 7, cfg.RecursionLimit)
}

func TestLoadConfig_InvalidConfig(t *testing.T) {
	t.Setenv("STORE_DRIVER", "cassandra")

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "STORE_DRIVER")
}

func TestNewLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "quizrunner.log")
	logger, closer, err := NewLogger(config.Config{LogLevel: "debug", LogFormat: "json", LogFile: logFile})
	require.NoError(t, err)
	logger.Debug("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"hello"`)
}

func TestOpenStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		st, err := OpenStore(config.Config{StoreDriver: config.StoreMemory})
		require.NoError(t, err)
		require.IsType(t, &memory.MemoryStore{}, st)
	})

	t.Run("sqlite", func(t *testing.T) {
		st, err := OpenStore(config.Config{StoreDriver: config.StoreSQLite, SQLitePath: filepath.Join(t.TempDir(), "runs.db")})
		require.NoError(t, err)
		defer st.Close()
		require.IsType(t, &sqlite.SQLiteStore{}, st)
	})

	t.Run("postgres error is wrapped", func(t *testing.T) {
		original := openPostgres
		t.Cleanup(func() { openPostgres = original })
		openPostgres = func(conn string) (store.Store, error) {
			require.Equal(t, "postgres://db", conn)
			return nil, errors.New("connection refused")
		}

		_, err := OpenStore(config.Config{StoreDriver: config.StorePostgres, PostgresURL: "postgres://db"})
		require.ErrorContains(t, err, "open postgres store: connection refused")
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := OpenStore(config.Config{StoreDriver: "redis"})
		require.ErrorContains(t, err, "unsupported store driver")
	})
}

func TestNewExecutor(t *testing.T) {
	t.Run("builds with local provider", func(t *testing.T) {
		executor, err := NewExecutor(context.Background(), config.Config{LLMMode: "local", LLMRequestsPerMinute: 9, LLMBurst: 9}, ExecutorParams{
			Store: memory.New(),
		})
		require.NoError(t, err)
		require.NotNil(t, executor)
	})

	t.Run("provider error", func(t *testing.T) {
		original := newProvider
		t.Cleanup(func() { newProvider = original })
		newProvider = func(ctx context.Context, cfg llm.Config) (llm.Provider, error) {
			require.Equal(t, "anthropic", cfg.Provider)
			return nil, llm.ErrUnsupportedProvider{Provider: cfg.Provider}
		}

		_, err := NewExecutor(context.Background(), config.Config{LLMProvider: "anthropic"}, ExecutorParams{Store: memory.New()})
		require.ErrorContains(t, err, "create llm provider")
		var unsupported llm.ErrUnsupportedProvider
		require.ErrorAs(t, err, &unsupported)
	})
}
