package store

import (
	"fmt"
	"sort"
	"strings"
)

// ToolStep is the lifecycle of one tool call, folded from tool.* events.
type ToolStep struct {
	RunID       string
	ID          string
	Name        string
	Status      string
	Seq         int64
	StartedAt   string
	CompletedAt string
	DurationMs  int64
	Error       string
	Diagnostics map[string]any
}

func BuildToolStepFromEvent(event RunEvent) (ToolStep, bool) {
	eventType := NormalizeEventType(event.Type)
	var status string
	switch eventType {
	case "tool.started":
		status = StatusRunning
	case "tool.completed":
		status = StatusCompleted
	case "tool.failed":
		status = StatusFailed
	default:
		return ToolStep{}, false
	}

	stepID := firstString(event.Payload, "tool_call_id", "invocation_id")
	if stepID == "" {
		stepID = fmt.Sprintf("tool-%d", event.Seq)
	}
	name := firstString(event.Payload, "tool_name")
	if name == "" {
		name = stepID
	}
	step := ToolStep{
		RunID:      event.RunID,
		ID:         stepID,
		Name:       name,
		Status:     status,
		Seq:        event.Seq,
		DurationMs: int64(firstInt(event.Payload, "duration_ms")),
		Error:      firstString(event.Payload, "error"),
	}
	if status == StatusRunning {
		step.StartedAt = event.Timestamp
	} else {
		step.CompletedAt = event.Timestamp
	}
	step.Diagnostics = buildDiagnostics(event)
	return step, true
}

// MergeToolStep applies a later event's view of a step onto an earlier one.
func MergeToolStep(existing ToolStep, incoming ToolStep) ToolStep {
	merged := existing
	if merged.RunID == "" {
		merged.RunID = incoming.RunID
	}
	if merged.Name == "" || merged.Name == merged.ID {
		merged.Name = incoming.Name
	}
	if incoming.Status != "" {
		merged.Status = incoming.Status
	}
	if merged.Seq == 0 || (incoming.Seq > 0 && incoming.Seq < merged.Seq) {
		merged.Seq = incoming.Seq
	}
	if merged.StartedAt == "" {
		merged.StartedAt = incoming.StartedAt
	}
	if incoming.CompletedAt != "" {
		merged.CompletedAt = incoming.CompletedAt
	}
	if incoming.DurationMs > 0 {
		merged.DurationMs = incoming.DurationMs
	}
	if incoming.Error != "" {
		merged.Error = incoming.Error
	}
	if merged.Diagnostics == nil {
		merged.Diagnostics = map[string]any{}
	}
	for key, value := range incoming.Diagnostics {
		merged.Diagnostics[key] = value
	}
	return merged
}

// ToolStepsFromEvents folds an event log into steps ordered by first sighting.
func ToolStepsFromEvents(events []RunEvent) []ToolStep {
	byID := map[string]ToolStep{}
	for _, event := range events {
		step, ok := BuildToolStepFromEvent(event)
		if !ok {
			continue
		}
		if existing, exists := byID[step.ID]; exists {
			byID[step.ID] = MergeToolStep(existing, step)
			continue
		}
		byID[step.ID] = step
	}
	steps := make([]ToolStep, 0, len(byID))
	for _, step := range byID {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Seq == steps[j].Seq {
			return steps[i].ID < steps[j].ID
		}
		return steps[i].Seq < steps[j].Seq
	})
	return steps
}

func NormalizeEventType(eventType string) string {
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	switch normalized {
	case "tool_started":
		return "tool.started"
	case "tool_output":
		return "tool.completed"
	case "tool_error":
		return "tool.failed"
	default:
		return strings.ReplaceAll(normalized, "_", ".")
	}
}

func firstString(payload map[string]any, keys ...string) string {
	if payload == nil {
		return ""
	}
	for _, key := range keys {
		if value, ok := payload[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func firstInt(payload map[string]any, keys ...string) int {
	if payload == nil {
		return 0
	}
	for _, key := range keys {
		switch typed := payload[key].(type) {
		case int:
			return typed
		case int64:
			return int(typed)
		case float64:
			return int(typed)
		}
	}
	return 0
}

func buildDiagnostics(event RunEvent) map[string]any {
	diagnostics := map[string]any{}
	for key, value := range event.Payload {
		diagnostics[key] = value
	}
	diagnostics["source"] = event.Source
	diagnostics["seq"] = event.Seq
	if event.TraceID != "" {
		diagnostics["trace_id"] = event.TraceID
	}
	return diagnostics
}
