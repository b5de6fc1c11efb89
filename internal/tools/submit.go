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

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"
)

const (
	SubmitToolName = "post_request"
	// retryWindowSeconds is the delay at which a quiz step stops accepting retries.
	retryWindowSeconds = 180
)

// Credentials identify the participant on every submission.
type Credentials struct {
	Email  string
	Secret string
}

type SubmitTool struct {
	credentials Credentials
	client      *http.Client
	logger      *slog.Logger
}

func NewSubmitTool(credentials Credentials, client *http.Client, logger *slog.Logger) *SubmitTool {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmitTool{credentials: credentials, client: client, logger: logger}
}

func (t *SubmitTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        SubmitToolName,
		Description: "Send an HTTP POST with a JSON payload to the submission endpoint named on the quiz page. Returns the parsed JSON response or raw text.",
		Parameters: objectSchema(map[string]any{
			"url": stringProperty("Endpoint to POST to."),
			"payload": map[string]any{
				"type":        "object",
				"description": "JSON request body. email and secret are filled in when missing.",
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Optional HTTP headers. Defaults to Content-Type: application/json.",
			},
		}, "url", "payload"),
	}
}

func (t *SubmitTool) Call(ctx context.Context, raw json.RawMessage) any {
	var args struct {
		URL     string            `json:"url"`
		Payload map[string]any    `json:"payload"`
		Headers map[string]string `json:"headers"`
	}
	if err := decodeArgs(SubmitToolName, raw, &args); err != nil {
		return err.Error()
	}
	result, err := t.Submit(ctx, args.URL, args.Payload, args.Headers)
	if err != nil {
		t.logger.Warn("submission failed", "url", args.URL, "error", err)
		return err.Error()
	}
	return result
}

// Submit posts payload to url. HTTP error statuses are not Go errors: the
// decoded error body (or its raw text) is returned as the result.
func (t *SubmitTool) Submit(ctx context.Context, url string, payload map[string]any, headers map[string]string) (any, error) {
	body := t.withCredentials(payload)
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	t.logger.Info("submitting answer", "url", url, "payload", redactSecret(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.logger.Warn("submission rejected", "url", url, "status", resp.StatusCode, "body", string(data))
			return string(data), nil
		}
		t.logger.Warn("submission rejected", "url", url, "status", resp.StatusCode, "body", decoded)
		return decoded, nil
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return string(data), nil
	}
	object, ok := decoded.(map[string]any)
	if !ok {
		return decoded, nil
	}
	shaped := ShapeSubmissionResponse(object)
	t.logger.Info("submission response", "url", url, "response", shaped)
	return shaped, nil
}

func (t *SubmitTool) withCredentials(payload map[string]any) map[string]any {
	body := make(map[string]any, len(payload)+2)
	for key, value := range payload {
		body[key] = value
	}
	if t.credentials.Email != "" {
		body["email"] = t.credentials.Email
	}
	if t.credentials.Secret != "" {
		body["secret"] = t.credentials.Secret
	}
	return body
}

// ShapeSubmissionResponse rewrites a quiz server reply so the model cannot
// advance early or get stuck:
//   - a wrong answer with delay below 180 loses its url field;
//   - a delay of 180 or more collapses the reply to only the url field.
//
// The collapse is applied after the strip. A missing or non-numeric delay
// counts as 0. The input map is not modified.
func ShapeSubmissionResponse(data map[string]any) map[string]any {
	delay := numericDelay(data["delay"])

	shaped := make(map[string]any, len(data))
	for key, value := range data {
		shaped[key] = value
	}
	if correct, ok := data["correct"].(bool); ok && !correct && delay < retryWindowSeconds {
		delete(shaped, "url")
	}
	if delay >= retryWindowSeconds {
		shaped = map[string]any{"url": data["url"]}
	}
	return shaped
}

func numericDelay(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}

func redactSecret(body map[string]any) map[string]any {
	if _, ok := body["secret"]; !ok {
		return body
	}
	redacted := make(map[string]any, len(body))
	for key, value := range body {
		redacted[key] = value
	}
	redacted["secret"] = "********"
	return redacted
}

func (c Credentials) String() string {
	if c.Secret == "" {
		return fmt.Sprintf("Credentials{Email:%q}", c.Email)
	}
	return fmt.Sprintf("Credentials{Email:%q, Secret:%s}", c.Email, strings.Repeat("*", 8))
}
