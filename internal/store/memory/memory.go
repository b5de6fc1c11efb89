package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
)

type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]store.Run
	events   map[string][]store.RunEvent
	steps    map[string]map[string]store.ToolStep
	messages map[string][]store.Message
	seq      map[string]int64
}

func New() *MemoryStore {
	return &MemoryStore{
		runs:     map[string]store.Run{},
		events:   map[string][]store.RunEvent{},
		steps:    map[string]map[string]store.ToolStep{},
		messages: map[string][]store.Message{},
		seq:      map[string]int64{},
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(run.Status) == "" {
		run.Status = store.StatusQueued
	}
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &run, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context) ([]store.RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.RunSummary, 0, len(m.runs))
	for _, run := range m.runs {
		results = append(results, store.RunSummary{
			Run:          run,
			MessageCount: int64(len(m.messages[run.ID])),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		left := parseTime(results[i].UpdatedAt)
		right := parseTime(results[j].UpdatedAt)
		if left.Equal(right) {
			return results[i].ID < results[j].ID
		}
		return left.After(right)
	})
	return results, nil
}

func (m *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status string, reason string, iterations int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	run.CompletionReason = reason
	if iterations > run.Iterations {
		run.Iterations = iterations
	}
	run.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	m.runs[runID] = run
	return nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	delete(m.events, runID)
	delete(m.steps, runID)
	delete(m.messages, runID)
	delete(m.seq, runID)
	return nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ToolCalls = append([]byte(nil), msg.ToolCalls...)
	m.messages[msg.RunID] = append(m.messages[msg.RunID], msg)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, runID string) ([]store.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	messages := append([]store.Message{}, m.messages[runID]...)
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Sequence < messages[j].Sequence
	})
	return messages, nil
}

func (m *MemoryStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[runID] += 1
	return m.seq[runID], nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Type = store.NormalizeEventType(event.Type)
	event.Payload = cloneMap(event.Payload)
	m.events[event.RunID] = append(m.events[event.RunID], event)
	m.applyToolStepLocked(event)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[runID]
	if afterSeq <= 0 {
		return append([]store.RunEvent{}, events...), nil
	}
	filtered := []store.RunEvent{}
	for _, event := range events {
		if event.Seq > afterSeq {
			filtered = append(filtered, event)
		}
	}
	return filtered, nil
}

func (m *MemoryStore) ListToolSteps(ctx context.Context, runID string) ([]store.ToolStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stepsByID := m.steps[runID]
	steps := make([]store.ToolStep, 0, len(stepsByID))
	for _, step := range stepsByID {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Seq == steps[j].Seq {
			return steps[i].ID < steps[j].ID
		}
		return steps[i].Seq < steps[j].Seq
	})
	return steps, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) applyToolStepLocked(event store.RunEvent) {
	step, ok := store.BuildToolStepFromEvent(event)
	if !ok {
		return
	}
	if m.steps[event.RunID] == nil {
		m.steps[event.RunID] = map[string]store.ToolStep{}
	}
	existing, exists := m.steps[event.RunID][step.ID]
	if !exists {
		m.steps[event.RunID][step.ID] = step
		return
	}
	m.steps[event.RunID][step.ID] = store.MergeToolStep(existing, step)
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func cloneMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
