package tools

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/browser"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"
)

const (
	FetchToolName    = "get_rendered_html"
	fetchErrorPrefix = "Error fetching/rendering page: "
	fetchDescription = "Fetch and return the fully rendered HTML of a webpage after JavaScript has run. Use only for HTML pages, never for direct file or binary URLs."
)

type FetchTool struct {
	renderer browser.Renderer
	logger   *slog.Logger
}

func NewFetchTool(renderer browser.Renderer, logger *slog.Logger) *FetchTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &FetchTool{renderer: renderer, logger: logger}
}

func (t *FetchTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        FetchToolName,
		Description: fetchDescription,
		Parameters: objectSchema(map[string]any{
			"url": stringProperty("Page URL to render."),
		}, "url"),
	}
}

func (t *FetchTool) Call(ctx context.Context, raw json.RawMessage) any {
	var args struct {
		URL string `json:"url"`
	}
	if err := decodeArgs(FetchToolName, raw, &args); err != nil {
		return fetchErrorPrefix + err.Error()
	}
	t.logger.Info("fetching page", "url", args.URL)
	html, err := t.renderer.Render(ctx, args.URL)
	if err != nil {
		t.logger.Warn("page render failed", "url", args.URL, "error", err)
		return fetchErrorPrefix + err.Error()
	}
	return html
}
