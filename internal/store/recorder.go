package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"
)

const resultPreviewLimit = 2000

// EventEmitter records a run event and fans it out to live subscribers.
type EventEmitter interface {
	Emit(ctx context.Context, runID string, eventType string, payload map[string]any) error
}

// Recorder persists a run transcript as the agent loop appends to it.
// Persistence failures are logged and never interrupt the run.
type Recorder struct {
	store   Store
	runID   string
	emitter EventEmitter
	logger  *slog.Logger
}

func NewRecorder(store Store, runID string, emitter EventEmitter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, runID: runID, emitter: emitter, logger: logger}
}

func (r *Recorder) MessageAppended(ctx context.Context, index int, msg llm.Message) {
	record := Message{
		ID:         uuid.New().String(),
		RunID:      r.runID,
		Sequence:   int64(index),
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
		ToolName:   msg.Name,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(msg.ToolCalls) > 0 {
		encoded, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			r.logger.Warn("encode tool calls failed", "run_id", r.runID, "error", err)
		} else {
			record.ToolCalls = encoded
		}
	}
	if err := r.store.AddMessage(ctx, record); err != nil {
		r.logger.Warn("persist message failed", "run_id", r.runID, "sequence", index, "error", err)
	}

	payload := map[string]any{
		"message_id": record.ID,
		"sequence":   index,
		"role":       msg.Role,
		"content":    truncate(msg.Content, resultPreviewLimit),
	}
	if len(msg.ToolCalls) > 0 {
		names := make([]string, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			names = append(names, call.Name)
		}
		payload["tool_calls"] = names
	}
	if msg.ToolCallID != "" {
		payload["tool_call_id"] = msg.ToolCallID
	}
	r.emit(ctx, "message.added", payload)
}

func (r *Recorder) ToolStarted(ctx context.Context, call llm.ToolCall) {
	r.emit(ctx, "tool.started", map[string]any{
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
		"arguments":    truncate(string(call.Arguments), resultPreviewLimit),
	})
}

func (r *Recorder) ToolFinished(ctx context.Context, call llm.ToolCall, result string, elapsed time.Duration) {
	r.emit(ctx, "tool.completed", map[string]any{
		"tool_call_id":   call.ID,
		"tool_name":      call.Name,
		"duration_ms":    elapsed.Milliseconds(),
		"result_preview": truncate(result, resultPreviewLimit),
	})
}

func (r *Recorder) emit(ctx context.Context, eventType string, payload map[string]any) {
	if r.emitter == nil {
		return
	}
	if err := r.emitter.Emit(ctx, r.runID, eventType, payload); err != nil {
		r.logger.Warn("emit event failed", "run_id", r.runID, "type", eventType, "error", err)
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + "…"
}
