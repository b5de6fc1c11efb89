package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"
)

const (
	CodeToolName        = "run_code"
	defaultCodeFilename = "runner.py"
)

var defaultCodeRunner = []string{"uv", "run"}

type CodeResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"return_code"`
}

type CodeConfig struct {
	OutputDir string
	// Runner is the launcher command; the script filename is appended.
	Runner   []string
	Filename string
	Logger   *slog.Logger
}

type CodeTool struct {
	outputDir string
	runner    []string
	filename  string
	logger    *slog.Logger
}

func NewCodeTool(cfg CodeConfig) *CodeTool {
	runner := cfg.Runner
	if len(runner) == 0 {
		runner = defaultCodeRunner
	}
	filename := cfg.Filename
	if filename == "" {
		filename = defaultCodeFilename
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CodeTool{
		outputDir: cfg.OutputDir,
		runner:    append([]string(nil), runner...),
		filename:  filename,
		logger:    logger,
	}
}

func (t *CodeTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        CodeToolName,
		Description: "Execute Python code in the working directory and return its stdout, stderr and return_code. Files downloaded earlier are readable by relative name.",
		Parameters: objectSchema(map[string]any{
			"code": stringProperty("Python source to execute. Markdown code fences are removed."),
		}, "code"),
	}
}

func (t *CodeTool) Call(ctx context.Context, raw json.RawMessage) any {
	var args struct {
		Code string `json:"code"`
	}
	if err := decodeArgs(CodeToolName, raw, &args); err != nil {
		return CodeResult{Stderr: err.Error(), ReturnCode: -1}
	}
	return t.Run(ctx, args.Code)
}

func (t *CodeTool) Run(ctx context.Context, code string) CodeResult {
	if err := os.MkdirAll(t.outputDir, 0o755); err != nil {
		return CodeResult{Stderr: err.Error(), ReturnCode: -1}
	}
	script := filepath.Join(t.outputDir, t.filename)
	if err := os.WriteFile(script, []byte(StripCodeFences(code)), 0o644); err != nil {
		return CodeResult{Stderr: err.Error(), ReturnCode: -1}
	}

	argv := append(append([]string(nil), t.runner[1:]...), t.filename)
	cmd := exec.CommandContext(ctx, t.runner[0], argv...)
	cmd.Dir = t.outputDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CodeResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && exitErr.ExitCode() >= 0:
		result.ReturnCode = exitErr.ExitCode()
	default:
		return CodeResult{Stderr: fmt.Sprintf("%s: %v", strings.Join(t.runner, " "), err), ReturnCode: -1}
	}
	t.logger.Info("code executed", "script", script, "return_code", result.ReturnCode)
	return result
}

// StripCodeFences removes a leading ``` line and a trailing ``` line, then
// trims surrounding whitespace.
func StripCodeFences(code string) string {
	code = strings.TrimSpace(code)
	if strings.HasPrefix(code, "```") {
		if idx := strings.Index(code, "\n"); idx >= 0 {
			code = code[idx+1:]
		} else {
			code = ""
		}
	}
	if strings.HasSuffix(code, "```") {
		if idx := strings.LastIndex(code, "\n"); idx >= 0 {
			code = code[:idx]
		} else {
			code = ""
		}
	}
	return strings.TrimSpace(code)
}
