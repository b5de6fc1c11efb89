package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
)

var (
	ErrInvalidURL  = errors.New("start url must be an absolute http(s) url")
	ErrRunFinished = errors.New("run already finished")
)

// Launcher hands a queued run to whatever executes it.
type Launcher interface {
	StartRun(ctx context.Context, runID string) error
	CancelRun(ctx context.Context, runID string) error
}

type Service struct {
	store    store.Store
	launcher Launcher
	emitter  store.EventEmitter
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
}

func NewService(st store.Store, launcher Launcher, emitter store.EventEmitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		launcher: launcher,
		emitter:  emitter,
		logger:   logger,
		newID:    func() string { return uuid.New().String() },
		now:      time.Now,
	}
}

// Start records a queued run for startURL and launches it.
func (s *Service) Start(ctx context.Context, startURL string) (store.Run, error) {
	startURL = strings.TrimSpace(startURL)
	if err := ValidateStartURL(startURL); err != nil {
		return store.Run{}, err
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	run := store.Run{
		ID:        s.newID(),
		StartURL:  startURL,
		Status:    store.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return store.Run{}, fmt.Errorf("create run: %w", err)
	}
	if err := s.launcher.StartRun(ctx, run.ID); err != nil {
		reason := "launch: " + err.Error()
		if updateErr := s.store.UpdateRunStatus(ctx, run.ID, store.StatusFailed, reason, 0); updateErr != nil {
			s.logger.Warn("record launch failure failed", "run_id", run.ID, "error", updateErr)
		}
		return store.Run{}, fmt.Errorf("launch run %s: %w", run.ID, err)
	}
	s.logger.Info("run queued", "run_id", run.ID, "url", startURL)
	return run, nil
}

func (s *Service) Cancel(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if store.IsTerminalStatus(run.Status) {
		return ErrRunFinished
	}
	err = s.launcher.CancelRun(ctx, runID)
	if errors.Is(err, ErrRunNotActive) {
		// Nothing is executing the run any more, so settle it here.
		return s.markCancelled(ctx, run)
	}
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	s.logger.Info("run cancel requested", "run_id", runID)
	return nil
}

func (s *Service) markCancelled(ctx context.Context, run *store.Run) error {
	if err := s.store.UpdateRunStatus(ctx, run.ID, store.StatusCancelled, ReasonCancelled, run.Iterations); err != nil {
		return err
	}
	if s.emitter != nil {
		payload := map[string]any{"status": store.StatusCancelled, "completion_reason": ReasonCancelled}
		if err := s.emitter.Emit(ctx, run.ID, events.TypeRunCancelled, payload); err != nil {
			s.logger.Warn("emit run event failed", "run_id", run.ID, "error", err)
		}
	}
	s.logger.Info("inactive run cancelled", "run_id", run.ID)
	return nil
}

func ValidateStartURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return ErrInvalidURL
	}
	switch parsed.Scheme {
	case "http", "https":
		return nil
	default:
		return ErrInvalidURL
	}
}
