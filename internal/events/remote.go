package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IngestRequest is the body of POST /runs/{id}/events on the control plane.
type IngestRequest struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp string         `json:"timestamp"`
	TraceID   string         `json:"trace_id"`
	Payload   map[string]any `json:"payload"`
}

// RemoteEmitter forwards events to a control plane, which sequences, stores
// and publishes them. Workers use it so API subscribers see their events live.
type RemoteEmitter struct {
	baseURL        string
	source         string
	httpClient     *http.Client
	requestTimeout time.Duration
	now            func() time.Time
}

func NewRemoteEmitter(baseURL string, source string, httpClient *http.Client) *RemoteEmitter {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &RemoteEmitter{
		baseURL:        strings.TrimRight(baseURL, "/"),
		source:         source,
		httpClient:     httpClient,
		requestTimeout: 10 * time.Second,
		now:            time.Now,
	}
}

func (e *RemoteEmitter) Emit(ctx context.Context, runID string, eventType string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(IngestRequest{
		Type:      NormalizeType(eventType),
		Source:    e.source,
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
		TraceID:   uuid.New().String(),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	requestCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/runs/%s/events", e.baseURL, runID)
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("control plane event failed: %s", resp.Status)
	}
	return nil
}
