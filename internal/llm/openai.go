package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Reply, error) {
	if p.apiKey == "" {
		return Reply{}, ErrMissingAPIKey
	}
	if p.model == "" {
		return Reply{}, ErrMissingModel
	}
	payload := map[string]any{
		"model":    p.model,
		"messages": toOpenAIMessages(req),
	}
	if len(req.Tools) > 0 {
		tools := make([]openAITool, 0, len(req.Tools))
		for _, def := range req.Tools {
			tools = append(tools, openAITool{Type: "function", Function: def})
		}
		payload["tools"] = tools
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Reply{}, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(detail))}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content   any              `json:"content"`
				ToolCalls []openAIToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Reply{}, err
	}
	if len(parsed.Choices) == 0 {
		return Reply{}, errors.New("LLM response had no choices")
	}
	message := parsed.Choices[0].Message
	text := FirstText(message.Content)
	calls := make([]ToolCall, 0, len(message.ToolCalls))
	for _, item := range message.ToolCalls {
		// Nameless calls are kept so the tool registry can answer them.
		name := strings.TrimSpace(item.Function.Name)
		id := strings.TrimSpace(item.ID)
		if id == "" {
			id = "call_" + uuid.New().String()
		}
		calls = append(calls, ToolCall{
			ID:        id,
			Name:      name,
			Arguments: normalizeArguments(item.Function.Arguments),
		})
	}
	return ToolCallsReply(text, calls), nil
}

func toOpenAIMessages(req Request) []openAIMessage {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		system := req.System
		messages = append(messages, openAIMessage{Role: "system", Content: &system})
	}
	for _, msg := range req.Messages {
		content := msg.Content
		converted := openAIMessage{Role: msg.Role, Content: &content}
		switch msg.Role {
		case RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				if content == "" {
					converted.Content = nil
				}
				for _, call := range msg.ToolCalls {
					converted.ToolCalls = append(converted.ToolCalls, openAIToolCall{
						ID:   call.ID,
						Type: "function",
						Function: openAIFunctionCall{
							Name:      call.Name,
							Arguments: string(normalizeArguments(string(call.Arguments))),
						},
					})
				}
			}
		case RoleTool:
			converted.ToolCallID = msg.ToolCallID
			converted.Name = msg.Name
		}
		messages = append(messages, converted)
	}
	return messages
}

// normalizeArguments keeps valid JSON as-is, maps blank to an empty object
// and wraps anything else as a JSON string so it survives re-encoding.
func normalizeArguments(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	encoded, _ := json.Marshal(trimmed)
	return json.RawMessage(encoded)
}
