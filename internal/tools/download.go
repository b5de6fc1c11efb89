package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"
)

const (
	DownloadToolName    = "download_file"
	downloadErrorPrefix = "Error downloading file: "
	downloadChunkSize   = 8192
)

type DownloadTool struct {
	outputDir string
	client    *http.Client
	logger    *slog.Logger
}

func NewDownloadTool(outputDir string, client *http.Client, logger *slog.Logger) *DownloadTool {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadTool{outputDir: outputDir, client: client, logger: logger}
}

func (t *DownloadTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        DownloadToolName,
		Description: "Download a file from a URL and save it under the given filename in the working directory. Returns the saved filename.",
		Parameters: objectSchema(map[string]any{
			"url":      stringProperty("Direct URL to the file."),
			"filename": stringProperty("Filename to save the content as."),
		}, "url", "filename"),
	}
}

func (t *DownloadTool) Call(ctx context.Context, raw json.RawMessage) any {
	var args struct {
		URL      string `json:"url"`
		Filename string `json:"filename"`
	}
	if err := decodeArgs(DownloadToolName, raw, &args); err != nil {
		return downloadErrorPrefix + err.Error()
	}
	if err := t.download(ctx, args.URL, args.Filename); err != nil {
		t.logger.Warn("download failed", "url", args.URL, "filename", args.Filename, "error", err)
		return downloadErrorPrefix + err.Error()
	}
	return args.Filename
}

func (t *DownloadTool) download(ctx context.Context, url string, filename string) error {
	path, err := resolveInDir(t.outputDir, filename)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s for url: %s", resp.Status, url)
	}

	if err := os.MkdirAll(t.outputDir, 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	written, copyErr := io.CopyBuffer(file, resp.Body, make([]byte, downloadChunkSize))
	closeErr := file.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}

	kind := "unknown"
	if detected, err := mimetype.DetectFile(path); err == nil {
		kind = detected.String()
	}
	t.logger.Info("file downloaded", "url", url, "path", path, "bytes", written, "mime", kind)
	return nil
}

// resolveInDir joins name onto dir and refuses paths that leave dir.
func resolveInDir(dir string, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("filename is required")
	}
	path := filepath.Join(dir, name)
	rel, err := filepath.Rel(filepath.Clean(dir), path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("filename %q escapes the output directory", name)
	}
	return path, nil
}
