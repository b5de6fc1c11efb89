package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"
)

const (
	DependencyToolName  = "add_dependencies"
	toolContractVersion = "tool_contract_v2"
)

type toolRunnerResponse struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

// DependencyTool forwards its arguments untouched to an external tool runner
// and relays the runner's output. It assumes nothing about the arguments.
type DependencyTool struct {
	runID      string
	toolRunner string
	client     *http.Client
	logger     *slog.Logger
}

func NewDependencyTool(toolRunnerURL string, runID string, client *http.Client, logger *slog.Logger) *DependencyTool {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DependencyTool{
		runID:      runID,
		toolRunner: strings.TrimRight(strings.TrimSpace(toolRunnerURL), "/"),
		client:     client,
		logger:     logger,
	}
}

func (t *DependencyTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        DependencyToolName,
		Description: "Install dependencies required by code run with run_code.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dependencies": map[string]any{
					"type":        "array",
					"description": "Package names to install.",
					"items":       map[string]any{"type": "string"},
				},
			},
		},
	}
}

func (t *DependencyTool) Call(ctx context.Context, raw json.RawMessage) any {
	output, err := t.execute(ctx, raw)
	if err != nil {
		t.logger.Warn("dependency tool failed", "error", err)
		return map[string]any{"error": err.Error()}
	}
	return output
}

func (t *DependencyTool) execute(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	if t.toolRunner == "" {
		return nil, fmt.Errorf("tool runner url not configured")
	}
	input := map[string]any{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", DependencyToolName, err)
	}
	invocationID := uuid.New().String()
	payload := map[string]any{
		"contract_version": toolContractVersion,
		"run_id":           t.runID,
		"invocation_id":    invocationID,
		"idempotency_key":  invocationID,
		"tool_name":        DependencyToolName,
		"input":            input,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.toolRunner+"/tools/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		trimmed := strings.TrimSpace(string(responseBody))
		if trimmed == "" {
			return nil, fmt.Errorf("tool runner returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("tool runner returned status %d: %s", resp.StatusCode, trimmed)
	}
	var result toolRunnerResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, fmt.Errorf("%s", strings.TrimSpace(result.Error))
	}
	t.logger.Info("dependency tool completed", "invocation_id", invocationID, "status", result.Status)
	if result.Output == nil {
		return map[string]any{"status": result.Status}, nil
	}
	return result.Output, nil
}
