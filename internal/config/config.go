package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	ExecutorLocal    = "local"
	ExecutorTemporal = "temporal"
)

type Config struct {
	Email                string
	Secret               string
	LLMMode              string
	LLMProvider          string
	LLMModel             string
	LLMBaseURL           string
	GoogleAPIKey         string
	OpenAIAPIKey         string
	OpenRouterAPIKey     string
	LLMRequestsPerMinute int
	LLMBurst             int
	RecursionLimit       int
	OutputDir            string
	CodeRunner           string
	CodeFilename         string
	BrowserQuiescence    time.Duration
	BrowserTimeout       time.Duration
	BrowserExecPath      string
	ToolRunnerURL        string
	StoreDriver          string
	SQLitePath           string
	PostgresURL          string
	ControlPlanePort     string
	ControlPlaneURL      string
	RunExecutor          string
	TemporalAddress      string
	TemporalTaskQueue    string
	LogLevel             string
	LogFormat            string
	LogFile              string
}

func Load() (Config, error) {
	controlPlanePort := getEnv("CONTROL_PLANE_PORT", "8080")
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	cfg := Config{
		Email:                getEnv("EMAIL", ""),
		Secret:               getEnv("SECRET", ""),
		LLMMode:              getEnv("LLM_MODE", "remote"),
		LLMProvider:          getEnv("LLM_PROVIDER", "gemini"),
		LLMModel:             getEnv("LLM_MODEL", "gemini-2.5-flash"),
		LLMBaseURL:           getEnv("LLM_BASE_URL", ""),
		GoogleAPIKey:         getEnv("GOOGLE_API_KEY", getEnv("GEMINI_API_KEY", "")),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenRouterAPIKey:     getEnv("OPENROUTER_API_KEY", ""),
		LLMRequestsPerMinute: getEnvInt("LLM_REQUESTS_PER_MINUTE", 9),
		LLMBurst:             getEnvInt("LLM_BURST", 9),
		RecursionLimit:       getEnvInt("RECURSION_LIMIT", 5000),
		OutputDir:            getEnv("OUTPUT_DIR", "LLMFiles"),
		CodeRunner:           getEnv("CODE_RUNNER", "uv run"),
		CodeFilename:         getEnv("CODE_FILENAME", "runner.py"),
		BrowserQuiescence:    getEnvDuration("BROWSER_QUIESCENCE", 500*time.Millisecond),
		BrowserTimeout:       getEnvDuration("BROWSER_TIMEOUT", 60*time.Second),
		BrowserExecPath:      getEnv("BROWSER_EXEC_PATH", ""),
		ToolRunnerURL:        getEnv("TOOL_RUNNER_URL", ""),
		StoreDriver:          strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite)),
		SQLitePath:           getEnv("SQLITE_PATH", "./data/quizrunner.db"),
		PostgresURL:          postgresURL,
		ControlPlanePort:     controlPlanePort,
		ControlPlaneURL:      getEnv("CONTROL_PLANE_URL", "http://localhost:"+controlPlanePort),
		RunExecutor:          strings.ToLower(getEnv("RUN_EXECUTOR", ExecutorLocal)),
		TemporalAddress:      getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue:    getEnv("TEMPORAL_TASK_QUEUE", "quiz-runs"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		LogFile:              getEnv("LOG_FILE", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the runner cannot operate with. Credentials are
// deliberately left unchecked; the quiz server reports them.
func (c Config) Validate() error {
	if c.RecursionLimit <= 0 {
		return fmt.Errorf("RECURSION_LIMIT must be > 0")
	}
	if c.LLMRequestsPerMinute <= 0 {
		return fmt.Errorf("LLM_REQUESTS_PER_MINUTE must be > 0")
	}
	if c.LLMBurst <= 0 {
		return fmt.Errorf("LLM_BURST must be > 0")
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("OUTPUT_DIR cannot be empty")
	}
	if len(strings.Fields(c.CodeRunner)) == 0 {
		return fmt.Errorf("CODE_RUNNER cannot be empty")
	}
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER: %s", c.StoreDriver)
	}
	switch c.RunExecutor {
	case ExecutorLocal, ExecutorTemporal:
	default:
		return fmt.Errorf("unsupported RUN_EXECUTOR: %s", c.RunExecutor)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "quizrunner")
	password := getEnv("POSTGRES_PASSWORD", "quizrunner")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "quizrunner")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
