package tools

import (
	"log/slog"
	"net/http"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/browser"
)

type QuizConfig struct {
	RunID         string
	OutputDir     string
	CodeRunner    []string
	CodeFilename  string
	ToolRunnerURL string
	Credentials   Credentials
	Renderer      browser.Renderer
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// NewQuizRegistry registers the quiz-solving tool set in the order it is
// advertised to the model.
func NewQuizRegistry(cfg QuizConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return NewRegistry(logger).MustRegister(
		NewCodeTool(CodeConfig{
			OutputDir: cfg.OutputDir,
			Runner:    cfg.CodeRunner,
			Filename:  cfg.CodeFilename,
			Logger:    logger,
		}),
		NewFetchTool(cfg.Renderer, logger),
		NewDownloadTool(cfg.OutputDir, cfg.HTTPClient, logger),
		NewSubmitTool(cfg.Credentials, cfg.HTTPClient, logger),
		NewDependencyTool(cfg.ToolRunnerURL, cfg.RunID, cfg.HTTPClient, logger),
	)
}
