package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
)

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	required := []string{
		"runs",
		"messages",
		"run_events",
		"run_event_sequences",
	}
	for _, table := range required {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run migrations/001_init.sql)", table)
		}
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) CreateRun(ctx context.Context, run store.Run) error {
	status := strings.TrimSpace(run.Status)
	if status == "" {
		status = store.StatusQueued
	}
	const query = `
		INSERT INTO runs (id, start_url, status, completion_reason, iterations, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		run.ID,
		run.StartURL,
		status,
		nullString(run.CompletionReason),
		run.Iterations,
		parseTimestampValue(run.CreatedAt),
		parseTimestampValue(run.UpdatedAt),
	)
	return err
}

func (p *PostgresStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	const query = `
		SELECT id, start_url, status, completion_reason, iterations, created_at, updated_at
		FROM runs
		WHERE id = $1
	`
	var run store.Run
	var completionReason sql.NullString
	var createdAt time.Time
	var updatedAt time.Time
	err := p.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID,
		&run.StartURL,
		&run.Status,
		&completionReason,
		&run.Iterations,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.CompletionReason = completionReason.String
	run.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	run.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return &run, nil
}

func (p *PostgresStore) ListRuns(ctx context.Context) ([]store.RunSummary, error) {
	const query = `
		SELECT r.id, r.start_url, r.status, r.completion_reason, r.iterations, r.created_at, r.updated_at,
			COUNT(m.id) AS message_count
		FROM runs r
		LEFT JOIN messages m ON m.run_id = r.id
		GROUP BY r.id, r.start_url, r.status, r.completion_reason, r.iterations, r.created_at, r.updated_at
		ORDER BY r.updated_at DESC, r.id ASC
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.RunSummary{}
	for rows.Next() {
		var summary store.RunSummary
		var completionReason sql.NullString
		var createdAt time.Time
		var updatedAt time.Time
		if err := rows.Scan(
			&summary.ID,
			&summary.StartURL,
			&summary.Status,
			&completionReason,
			&summary.Iterations,
			&createdAt,
			&updatedAt,
			&summary.MessageCount,
		); err != nil {
			return nil, err
		}
		summary.CompletionReason = completionReason.String
		summary.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		summary.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
		results = append(results, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status string, reason string, iterations int) error {
	const query = `
		UPDATE runs
		SET status = $2,
			completion_reason = $3,
			iterations = GREATEST(iterations, $4),
			updated_at = $5
		WHERE id = $1
	`
	result, err := p.db.ExecContext(ctx, query, runID, status, nullString(reason), iterations, time.Now().UTC())
	if err != nil {
		return err
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

func (p *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM runs WHERE id = $1", runID)
	return err
}

func (p *PostgresStore) AddMessage(ctx context.Context, msg store.Message) error {
	const query = `
		INSERT INTO messages (id, run_id, sequence, role, content, tool_call_id, tool_name, tool_calls, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		msg.ID,
		msg.RunID,
		msg.Sequence,
		msg.Role,
		msg.Content,
		nullString(msg.ToolCallID),
		nullString(msg.ToolName),
		nullJSON(msg.ToolCalls),
		parseTimestampValue(msg.CreatedAt),
	)
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, runID string) ([]store.Message, error) {
	const query = `
		SELECT id, run_id, sequence, role, content, tool_call_id, tool_name, tool_calls, created_at
		FROM messages
		WHERE run_id = $1
		ORDER BY sequence ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Message{}
	for rows.Next() {
		var msg store.Message
		var toolCallID sql.NullString
		var toolName sql.NullString
		var toolCalls []byte
		var createdAt time.Time
		if err := rows.Scan(&msg.ID, &msg.RunID, &msg.Sequence, &msg.Role, &msg.Content, &toolCallID, &toolName, &toolCalls, &createdAt); err != nil {
			return nil, err
		}
		msg.ToolCallID = toolCallID.String
		msg.ToolName = toolName.String
		if len(toolCalls) > 0 {
			msg.ToolCalls = json.RawMessage(toolCalls)
		}
		msg.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		results = append(results, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	const query = `
		INSERT INTO run_event_sequences (run_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (run_id)
		DO UPDATE SET last_seq = run_event_sequences.last_seq + 1
		RETURNING last_seq
	`
	var seq int64
	if err := p.db.QueryRowContext(ctx, query, runID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	event.Type = store.NormalizeEventType(event.Type)
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO run_events (run_id, seq, type, timestamp, source, trace_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = p.db.ExecContext(
		ctx,
		query,
		event.RunID,
		event.Seq,
		event.Type,
		parseTimestampValue(event.Timestamp),
		event.Source,
		traceIDValue(event.TraceID),
		encoded,
	)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	const query = `
		SELECT run_id, seq, type, timestamp, source, trace_id, payload
		FROM run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
	`
	return p.queryEvents(ctx, query, runID, afterSeq)
}

func (p *PostgresStore) ListToolSteps(ctx context.Context, runID string) ([]store.ToolStep, error) {
	const query = `
		SELECT run_id, seq, type, timestamp, source, trace_id, payload
		FROM run_events
		WHERE run_id = $1 AND type LIKE 'tool.%'
		ORDER BY seq ASC
	`
	events, err := p.queryEvents(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	return store.ToolStepsFromEvents(events), nil
}

func (p *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]store.RunEvent, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.RunEvent{}
	for rows.Next() {
		var payloadBytes []byte
		var timestamp time.Time
		var traceID sql.NullString
		var event store.RunEvent
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Type, &timestamp, &event.Source, &traceID, &payloadBytes); err != nil {
			return nil, err
		}
		event.Timestamp = timestamp.UTC().Format(time.RFC3339Nano)
		event.TraceID = traceID.String
		event.Payload = map[string]any{}
		if len(payloadBytes) > 0 {
			if err := json.Unmarshal(payloadBytes, &event.Payload); err != nil {
				return nil, err
			}
		}
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func parseTimestampValue(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
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
	return []byte(raw)
}

// traceIDValue drops trace IDs that the uuid column would reject.
func traceIDValue(traceID string) any {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return nil
	}
	if _, err := uuid.Parse(traceID); err != nil {
		return nil
	}
	return traceID
}
