package api

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateRun(ctx context.Context, run store.Run) error {
	return m.Called(ctx, run).Error(0)
}

func (m *MockStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	args := m.Called(ctx, runID)
	if value := args.Get(0); value != nil {
		return value.(*store.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) ListRuns(ctx context.Context) ([]store.RunSummary, error) {
	args := m.Called(ctx)
	var result []store.RunSummary
	if value := args.Get(0); value != nil {
		result = value.([]store.RunSummary)
	}
	return result, args.Error(1)
}

func (m *MockStore) UpdateRunStatus(ctx context.Context, runID string, status string, reason string, iterations int) error {
	return m.Called(ctx, runID, status, reason, iterations).Error(0)
}

func (m *MockStore) DeleteRun(ctx context.Context, runID string) error {
	return m.Called(ctx, runID).Error(0)
}

func (m *MockStore) AddMessage(ctx context.Context, msg store.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockStore) ListMessages(ctx context.Context, runID string) ([]store.Message, error) {
	args := m.Called(ctx, runID)
	var result []store.Message
	if value := args.Get(0); value != nil {
		result = value.([]store.Message)
	}
	return result, args.Error(1)
}

func (m *MockStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	args := m.Called(ctx, runID, afterSeq)
	var result []store.RunEvent
	if value := args.Get(0); value != nil {
		result = value.([]store.RunEvent)
	}
	return result, args.Error(1)
}

func (m *MockStore) ListToolSteps(ctx context.Context, runID string) ([]store.ToolStep, error) {
	args := m.Called(ctx, runID)
	var result []store.ToolStep
	if value := args.Get(0); value != nil {
		result = value.([]store.ToolStep)
	}
	return result, args.Error(1)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Subscribe(ctx context.Context, runID string) <-chan events.RunEvent {
	args := m.Called(ctx, runID)
	if value := args.Get(0); value != nil {
		if ch, ok := value.(chan events.RunEvent); ok {
			return ch
		}
		if ch, ok := value.(<-chan events.RunEvent); ok {
			return ch
		}
	}
	return nil
}

func (m *MockBroker) Publish(event events.RunEvent) {
	m.Called(event)
}

type MockRunService struct {
	mock.Mock
}

func (m *MockRunService) Start(ctx context.Context, startURL string) (store.Run, error) {
	args := m.Called(ctx, startURL)
	return args.Get(0).(store.Run), args.Error(1)
}

func (m *MockRunService) Cancel(ctx context.Context, runID string) error {
	return m.Called(ctx, runID).Error(0)
}

func newTestServer(t *testing.T, st store.Store, broker Broker, runs RunService, cfg config.Config) *httptest.Server {
	t.Helper()
	server := NewServer(st, broker, runs, cfg, nil)
	server.heartbeat = 10 * time.Millisecond
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts
}
