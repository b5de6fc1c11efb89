package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
)

// SQLiteStore keeps runs in a single database file. Timestamps are stored as
// fixed-width UTC text so they sort lexically.
type SQLiteStore struct {
	db *sql.DB
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	start_url TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	completion_reason TEXT,
	iterations INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	sequence INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	tool_call_id TEXT,
	tool_name TEXT,
	tool_calls TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id, sequence);

CREATE TABLE IF NOT EXISTS run_events (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	trace_id TEXT,
	payload TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS run_event_sequences (
	run_id TEXT PRIMARY KEY,
	last_seq INTEGER NOT NULL
);
`

func New(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serialises writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run store.Run) error {
	status := strings.TrimSpace(run.Status)
	if status == "" {
		status = store.StatusQueued
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, start_url, status, completion_reason, iterations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartURL, status, nullString(run.CompletionReason), run.Iterations,
		timestampOrNow(run.CreatedAt), timestampOrNow(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, start_url, status, completion_reason, iterations, created_at, updated_at
		FROM runs WHERE id = ?`, runID)
	var run store.Run
	var reason sql.NullString
	err := row.Scan(&run.ID, &run.StartURL, &run.Status, &reason, &run.Iterations, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run row: %w", err)
	}
	run.CompletionReason = reason.String
	return &run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]store.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.start_url, r.status, r.completion_reason, r.iterations, r.created_at, r.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.run_id = r.id) AS message_count
		FROM runs r
		ORDER BY r.updated_at DESC, r.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	results := []store.RunSummary{}
	for rows.Next() {
		var summary store.RunSummary
		var reason sql.NullString
		if err := rows.Scan(
			&summary.ID, &summary.StartURL, &summary.Status, &reason, &summary.Iterations,
			&summary.CreatedAt, &summary.UpdatedAt, &summary.MessageCount,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		summary.CompletionReason = reason.String
		results = append(results, summary)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status string, reason string, iterations int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, completion_reason = ?, iterations = MAX(iterations, ?), updated_at = ?
		WHERE id = ?`,
		status, nullString(reason), iterations, time.Now().UTC().Format(timeLayout), runID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, query := range []string{
		"DELETE FROM run_event_sequences WHERE run_id = ?",
		"DELETE FROM runs WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, query, runID); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AddMessage(ctx context.Context, msg store.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, run_id, sequence, role, content, tool_call_id, tool_name, tool_calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RunID, msg.Sequence, msg.Role, msg.Content,
		nullString(msg.ToolCallID), nullString(msg.ToolName), nullJSON(msg.ToolCalls), timestampOrNow(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, runID string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, sequence, role, content, tool_call_id, tool_name, tool_calls, created_at
		FROM messages WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	results := []store.Message{}
	for rows.Next() {
		var msg store.Message
		var toolCallID, toolName, toolCalls sql.NullString
		if err := rows.Scan(&msg.ID, &msg.RunID, &msg.Sequence, &msg.Role, &msg.Content, &toolCallID, &toolName, &toolCalls, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.ToolCallID = toolCallID.String
		msg.ToolName = toolName.String
		if toolCalls.Valid && toolCalls.String != "" {
			msg.ToolCalls = json.RawMessage(toolCalls.String)
		}
		results = append(results, msg)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO run_event_sequences (run_id, last_seq) VALUES (?, 1)
		ON CONFLICT (run_id) DO UPDATE SET last_seq = last_seq + 1
		RETURNING last_seq`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, type, timestamp, source, trace_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Seq, store.NormalizeEventType(event.Type), timestampOrNow(event.Timestamp),
		event.Source, nullString(event.TraceID), string(encoded),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	return s.queryEvents(ctx, `
		SELECT run_id, seq, type, timestamp, source, trace_id, payload
		FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`, runID, afterSeq)
}

func (s *SQLiteStore) ListToolSteps(ctx context.Context, runID string) ([]store.ToolStep, error) {
	events, err := s.queryEvents(ctx, `
		SELECT run_id, seq, type, timestamp, source, trace_id, payload
		FROM run_events WHERE run_id = ? AND type LIKE 'tool.%' ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	return store.ToolStepsFromEvents(events), nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]store.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	results := []store.RunEvent{}
	for rows.Next() {
		var event store.RunEvent
		var traceID sql.NullString
		var payload string
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Type, &event.Timestamp, &event.Source, &traceID, &payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		event.TraceID = traceID.String
		event.Payload = map[string]any{}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
				return nil, err
			}
		}
		results = append(results, event)
	}
	return results, rows.Err()
}

func timestampOrNow(value string) string {
	if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value)); err == nil {
		return parsed.UTC().Format(timeLayout)
	}
	return time.Now().UTC().Format(timeLayout)
}

func nullString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
