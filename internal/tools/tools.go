package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"
)

// Tool is a single capability the model may request. Call never returns a Go
// error: failures are folded into the returned value so the model sees them.
type Tool interface {
	Definition() llm.ToolDefinition
	Call(ctx context.Context, args json.RawMessage) any
}

type Registry struct {
	mu     sync.RWMutex
	order  []string
	tools  map[string]Tool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: map[string]Tool{}, logger: logger}
}

func (r *Registry) Register(tool Tool) error {
	name := strings.TrimSpace(tool.Definition().Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// MustRegister registers every tool and panics on a duplicate name.
func (r *Registry) MustRegister(tools ...Tool) *Registry {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Call runs the named tool and renders its result for the transcript.
// String results are passed through, anything else is JSON encoded.
func (r *Registry) Call(ctx context.Context, call llm.ToolCall) (result string) {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return errorResult(fmt.Sprintf("unknown tool: %s", call.Name))
	}

	args := call.Arguments
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return errorResult(fmt.Sprintf("invalid arguments for %s: not valid JSON", call.Name))
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("tool panicked", "tool", call.Name, "call_id", call.ID, "panic", recovered)
			result = errorResult(fmt.Sprintf("tool %s failed: %v", call.Name, recovered))
		}
	}()
	return renderResult(tool.Call(ctx, args))
}

func renderResult(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.RawMessage:
		return string(v)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return errorResult(err.Error())
	}
	return string(encoded)
}

func errorResult(message string) string {
	encoded, _ := json.Marshal(map[string]string{"error": message})
	return string(encoded)
}

// decodeArgs unmarshals tool arguments into dst, naming the tool on failure.
func decodeArgs(name string, raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProperty(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}
