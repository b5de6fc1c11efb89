// Package logging builds the process logger: a console handler fanned out
// with an optional JSON file handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

type Options struct {
	Level  string
	Format string
	File   string
	Output io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func New(opts Options) (*slog.Logger, io.Closer, error) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(opts.Level))

	output := opts.Output
	if output == nil {
		output = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		console = slog.NewJSONHandler(output, handlerOpts)
	} else {
		console = slog.NewTextHandler(output, handlerOpts)
	}
	handlers := []slog.Handler{console}

	var closer io.Closer = nopCloser{}
	if path := strings.TrimSpace(opts.File); path != "" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewJSONHandler(file, handlerOpts))
		closer = file
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrDefault lets components accept a nil logger.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
