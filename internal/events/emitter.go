package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
)

type Publisher interface {
	Publish(event RunEvent)
}

// Emitter assigns the next sequence number to an event, persists it and then
// publishes it to live subscribers.
type Emitter struct {
	store     store.Store
	publisher Publisher
	source    string
	now       func() time.Time
}

func NewEmitter(st store.Store, publisher Publisher, source string) *Emitter {
	return &Emitter{store: st, publisher: publisher, source: source, now: time.Now}
}

func (e *Emitter) Emit(ctx context.Context, runID string, eventType string, payload map[string]any) error {
	seq, err := e.store.NextSeq(ctx, runID)
	if err != nil {
		return fmt.Errorf("next event seq: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	event := store.RunEvent{
		RunID:     runID,
		Seq:       seq,
		Type:      NormalizeType(eventType),
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
		Source:    e.source,
		TraceID:   uuid.New().String(),
		Payload:   payload,
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if e.publisher != nil {
		e.publisher.Publish(FromStore(event))
	}
	return nil
}

func FromStore(event store.RunEvent) RunEvent {
	return RunEvent{
		RunID:   event.RunID,
		Seq:     event.Seq,
		Type:    NormalizeType(event.Type),
		Ts:      event.Timestamp,
		Source:  event.Source,
		TraceID: event.TraceID,
		Payload: event.Payload,
	}
}
