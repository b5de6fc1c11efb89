package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
)

type streamHooks struct {
	send      func(events.RunEvent) error
	replayed  func()
	keepAlive func() error
}

// replayAndFollow sends stored events after afterSeq and then live ones,
// skipping duplicates, until a terminal event is sent or ctx ends. The live
// subscription is opened before the replay so nothing falls in between. Events
// the broker dropped for a slow subscriber are read back from the store when
// a sequence gap shows up or the heartbeat fires.
func (s *Server) replayAndFollow(ctx context.Context, runID string, afterSeq int64, hooks streamHooks) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	live := s.broker.Subscribe(subCtx, runID)

	lastSeq := afterSeq
	replay := func() (bool, error) {
		stored, err := s.store.ListEvents(ctx, runID, lastSeq)
		if err != nil {
			return false, err
		}
		for _, event := range stored {
			converted := events.FromStore(event)
			if converted.Seq <= lastSeq {
				continue
			}
			if err := hooks.send(converted); err != nil {
				return false, err
			}
			lastSeq = converted.Seq
			if converted.IsTerminal() {
				return true, nil
			}
		}
		return false, nil
	}

	if done, err := replay(); done || err != nil {
		return err
	}
	if hooks.replayed != nil {
		hooks.replayed()
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case event, ok := <-live:
			if !ok {
				return nil
			}
			if event.Seq > lastSeq+1 {
				if done, err := replay(); done || err != nil {
					return err
				}
			}
			if event.Seq <= lastSeq {
				continue
			}
			if err := hooks.send(event); err != nil {
				return err
			}
			lastSeq = event.Seq
			if event.IsTerminal() {
				return nil
			}
		case <-heartbeat.C:
			if hooks.keepAlive != nil {
				if err := hooks.keepAlive(); err != nil {
					return err
				}
			}
			// A dropped terminal event has no successor to reveal the gap.
			if done, err := replay(); done || err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	wrote := false
	err := s.replayAndFollow(r.Context(), runID, parseAfterSeq(runID, r), streamHooks{
		send: func(event events.RunEvent) error {
			wrote = true
			if err := sendSSE(w, event); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
		replayed: func() {
			wrote = true
			flusher.Flush()
		},
		keepAlive: func() error {
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
	})
	if err != nil && !wrote {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err != nil {
		s.logger.Debug("event stream ended", "run_id", runID, "error", err)
	}
}

func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "run_id", runID, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// Clients only listen; CloseRead ends ctx when they go away.
	ctx := conn.CloseRead(r.Context())
	err = s.replayAndFollow(ctx, runID, parseAfterSeq(runID, r), streamHooks{
		send: func(event events.RunEvent) error {
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return wsjson.Write(writeCtx, conn, event)
		},
		keepAlive: func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return conn.Ping(pingCtx)
		},
	})
	if err != nil {
		s.logger.Debug("websocket stream ended", "run_id", runID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "stream finished")
}

func sendSSE(w http.ResponseWriter, event events.RunEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s:%d\nevent: run_event\ndata: %s\n\n", event.RunID, event.Seq, payload)
	return err
}

// parseAfterSeq reads the resume point from ?after_seq or a Last-Event-ID of
// the form "<run id>:<seq>".
func parseAfterSeq(runID string, r *http.Request) int64 {
	afterParam := strings.TrimSpace(r.URL.Query().Get("after_seq"))
	if afterParam != "" {
		if parsed, err := strconv.ParseInt(afterParam, 10, 64); err == nil {
			return parsed
		}
	}
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		return 0
	}
	parts := strings.Split(lastEventID, ":")
	if len(parts) != 2 || parts[0] != runID {
		return 0
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// ingestEvent sequences, stores and publishes an event produced by a worker
// process.
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	var req events.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		http.Error(w, "event type required", http.StatusBadRequest)
		return
	}
	if strings.Contains(req.Type, "_") {
		http.Error(w, "event type must use dot notation", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}

	seq, err := s.store.NextSeq(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	event := store.RunEvent{
		RunID:     runID,
		Seq:       seq,
		Type:      events.NormalizeType(req.Type),
		Timestamp: strings.TrimSpace(req.Timestamp),
		Source:    req.Source,
		TraceID:   strings.TrimSpace(req.TraceID),
		Payload:   req.Payload,
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.TraceID == "" {
		event.TraceID = uuid.New().String()
	}
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	if err := s.store.AppendEvent(r.Context(), event); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.broker.Publish(events.FromStore(event))
	w.WriteHeader(http.StatusAccepted)
}
