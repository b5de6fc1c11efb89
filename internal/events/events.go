package events

import (
	"context"
	"strings"
	"sync"
)

const (
	TypeRunStarted    = "run.started"
	TypeRunCompleted  = "run.completed"
	TypeRunFailed     = "run.failed"
	TypeRunCancelled  = "run.cancelled"
	TypeMessageAdded  = "message.added"
	TypeToolStarted   = "tool.started"
	TypeToolCompleted = "tool.completed"
)

type RunEvent struct {
	RunID   string         `json:"run_id"`
	Seq     int64          `json:"seq"`
	Type    string         `json:"type"`
	Ts      string         `json:"ts"`
	Source  string         `json:"source"`
	TraceID string         `json:"trace_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

// IsTerminal reports whether no further events follow this one for its run.
func (e RunEvent) IsTerminal() bool {
	switch NormalizeType(e.Type) {
	case TypeRunCompleted, TypeRunFailed, TypeRunCancelled:
		return true
	default:
		return false
	}
}

type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan RunEvent]struct{}
}

func NormalizeType(eventType string) string {
	return strings.TrimSpace(strings.ToLower(eventType))
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan RunEvent]struct{}{},
	}
}

// Subscribe returns a buffered channel of live events for runID. The channel
// is closed once ctx is done.
func (b *Broker) Subscribe(ctx context.Context, runID string) <-chan RunEvent {
	ch := make(chan RunEvent, 16)

	b.mu.Lock()
	if b.subscribers[runID] == nil {
		b.subscribers[runID] = map[chan RunEvent]struct{}{}
	}
	b.subscribers[runID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[runID] != nil {
			delete(b.subscribers[runID], ch)
			if len(b.subscribers[runID]) == 0 {
				delete(b.subscribers, runID)
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Publish never blocks; slow subscribers miss events and can replay them
// from the store.
func (b *Broker) Publish(event RunEvent) {
	b.mu.RLock()
	subscribers := b.subscribers[event.RunID]
	chans := make([]chan RunEvent, 0, len(subscribers))
	for ch := range subscribers {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
	}
}
