package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// generatedCallPrefix marks call IDs minted locally because the model left
// them blank; they are not echoed back to the API.
const generatedCallPrefix = "local_"

type GeminiConfig struct {
	APIKey string
	Model  string
}

type geminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type GeminiProvider struct {
	model  string
	models geminiModels
}

var newGenAIClient = genai.NewClient

func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		return nil, ErrMissingModel
	}
	client, err := newGenAIClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiProvider{model: cfg.Model, models: client.Models}, nil
}

func (p *GeminiProvider) Generate(ctx context.Context, req Request) (Reply, error) {
	config := &genai.GenerateContentConfig{}
	if strings.TrimSpace(req.System) != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, def := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schemaFromJSON(def.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := p.models.GenerateContent(ctx, p.model, toGeminiContents(req.Messages), config)
	if err != nil {
		return Reply{}, err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Reply{}, errors.New("LLM response had no candidates")
	}

	text := ""
	textSeen := false
	calls := []ToolCall{}
	var pendingSignature []byte
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.Thought {
			if len(part.ThoughtSignature) > 0 {
				pendingSignature = part.ThoughtSignature
			}
			continue
		}
		if part.FunctionCall != nil {
			signature := part.ThoughtSignature
			if len(signature) == 0 {
				signature = pendingSignature
			}
			pendingSignature = nil
			id := strings.TrimSpace(part.FunctionCall.ID)
			if id == "" {
				id = generatedCallPrefix + uuid.New().String()
			}
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			encoded, err := json.Marshal(args)
			if err != nil {
				return Reply{}, err
			}
			calls = append(calls, ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: encoded, ThoughtSignature: signature})
			continue
		}
		if !textSeen && part.Text != "" {
			text = part.Text
			textSeen = true
		}
	}
	return ToolCallsReply(text, calls), nil
}

func toGeminiContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			// The API rejects parts with no data, so empty turns are left out.
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			content := &genai.Content{Role: genai.RoleModel}
			if msg.Content != "" {
				content.Parts = append(content.Parts, genai.NewPartFromText(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				args := map[string]any{}
				var decoded any
				if err := json.Unmarshal(call.Arguments, &decoded); err == nil {
					if asMap, ok := decoded.(map[string]any); ok {
						args = asMap
					} else if decoded != nil {
						args = map[string]any{"value": decoded}
					}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   apiCallID(call.ID),
						Name: call.Name,
						Args: args,
					},
					ThoughtSignature: call.ThoughtSignature,
				})
			}
			contents = append(contents, content)
		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       apiCallID(msg.ToolCallID),
					Name:     msg.Name,
					Response: toolResponseMap(msg.Content),
				}}},
			})
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return contents
}

func apiCallID(id string) string {
	if strings.HasPrefix(id, generatedCallPrefix) {
		return ""
	}
	return id
}

func toolResponseMap(content string) map[string]any {
	var decoded any
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return map[string]any{"output": content}
	}
	if asMap, ok := decoded.(map[string]any); ok {
		return asMap
	}
	return map[string]any{"output": decoded}
}

// schemaFromJSON converts the JSON-schema subset used by tool definitions.
// Unknown or absent types become open objects.
func schemaFromJSON(raw map[string]any) *genai.Schema {
	if raw == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	schema := &genai.Schema{}
	if description, ok := raw["description"].(string); ok {
		schema.Description = description
	}
	switch raw["type"] {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		items, _ := raw["items"].(map[string]any)
		schema.Items = schemaFromJSON(items)
	default:
		schema.Type = genai.TypeObject
	}
	if props, ok := raw["properties"].(map[string]any); ok && len(props) > 0 {
		schema.Properties = map[string]*genai.Schema{}
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			child, _ := props[name].(map[string]any)
			schema.Properties[name] = schemaFromJSON(child)
		}
		schema.PropertyOrdering = names
	}
	switch required := raw["required"].(type) {
	case []string:
		schema.Required = append([]string(nil), required...)
	case []any:
		for _, item := range required {
			if name, ok := item.(string); ok {
				schema.Required = append(schema.Required, name)
			}
		}
	}
	return schema
}
