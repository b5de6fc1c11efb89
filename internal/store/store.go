package store

import (
	"context"
	"encoding/json"
	"errors"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var ErrNotFound = errors.New("not found")

// Run is one attempt at solving a quiz chain starting from StartURL.
type Run struct {
	ID               string
	StartURL         string
	Status           string
	CompletionReason string
	Iterations       int
	CreatedAt        string
	UpdatedAt        string
}

type RunSummary struct {
	Run
	MessageCount int64
}

// Message is a persisted transcript entry. Sequence starts at 0 and matches
// the entry's position in the run transcript.
type Message struct {
	ID         string
	RunID      string
	Sequence   int64
	Role       string
	Content    string
	ToolCallID string
	ToolName   string
	ToolCalls  json.RawMessage
	CreatedAt  string
}

type RunEvent struct {
	RunID     string
	Seq       int64
	Type      string
	Timestamp string
	Source    string
	TraceID   string
	Payload   map[string]any
}

type Store interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context) ([]RunSummary, error)
	UpdateRunStatus(ctx context.Context, runID string, status string, reason string, iterations int) error
	DeleteRun(ctx context.Context, runID string) error
	AddMessage(ctx context.Context, msg Message) error
	ListMessages(ctx context.Context, runID string) ([]Message, error)
	NextSeq(ctx context.Context, runID string) (int64, error)
	AppendEvent(ctx context.Context, event RunEvent) error
	ListEvents(ctx context.Context, runID string, afterSeq int64) ([]RunEvent, error)
	ListToolSteps(ctx context.Context, runID string) ([]ToolStep, error)
	Close() error
}

func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
