package llm

import (
	"context"
	"encoding/json"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	// ThoughtSignature is opaque provider state that must be sent back with
	// the call on later turns.
	ThoughtSignature []byte `json:"thought_signature,omitempty"`
}

// Message is one transcript entry. Assistant entries may carry ToolCalls;
// tool entries carry the ToolCallID and Name of the call they answer.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

type Provider interface {
	Generate(ctx context.Context, req Request) (Reply, error)
}

type Config struct {
	Mode              string
	Provider          string
	Model             string
	BaseURL           string
	GoogleAPIKey      string
	OpenAIAPIKey      string
	OpenRouterAPIKey  string
	RequestsPerMinute int
	Burst             int
}

// NewProvider returns the configured provider wrapped in the request rate limiter.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	provider, err := newBaseProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRateLimitedProvider(provider, cfg.RequestsPerMinute, cfg.Burst), nil
}

func newBaseProvider(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.Mode == "local" {
		return LocalProvider{}, nil
	}

	switch cfg.Provider {
	case "gemini", "google_genai":
		return NewGeminiProvider(ctx, GeminiConfig{
			APIKey: cfg.GoogleAPIKey,
			Model:  cfg.Model,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		}), nil
	case "openrouter":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenRouterAPIKey,
			Model:   cfg.Model,
			BaseURL: defaultIfEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
		}), nil
	default:
		return nil, ErrUnsupportedProvider{Provider: cfg.Provider}
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
