package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/runs"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
)

type createRunRequest struct {
	URL string `json:"url"`
}

type runResponse struct {
	ID               string `json:"id"`
	StartURL         string `json:"start_url"`
	Status           string `json:"status"`
	CompletionReason string `json:"completion_reason,omitempty"`
	Iterations       int    `json:"iterations"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
	MessageCount     *int64 `json:"message_count,omitempty"`
}

type listRunsResponse struct {
	Runs []runResponse `json:"runs"`
}

type messageResponse struct {
	ID         string          `json:"id"`
	Sequence   int64           `json:"sequence"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

type listMessagesResponse struct {
	Messages []messageResponse `json:"messages"`
}

type runStepResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Seq         int64          `json:"seq"`
	StartedAt   string         `json:"started_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
	Error       string         `json:"error,omitempty"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

type listRunStepsResponse struct {
	Steps []runStepResponse `json:"steps"`
}

func toRunResponse(run store.Run) runResponse {
	return runResponse{
		ID:               run.ID,
		StartURL:         run.StartURL,
		Status:           run.Status,
		CompletionReason: run.CompletionReason,
		Iterations:       run.Iterations,
		CreatedAt:        run.CreatedAt,
		UpdatedAt:        run.UpdatedAt,
	}
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	run, err := s.runs.Start(r.Context(), req.URL)
	if errors.Is(err, runs.ErrInvalidURL) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("start run failed", "url", req.URL, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSONStatus(w, map[string]string{
		"run_id": run.ID,
		"status": run.Status,
	}, http.StatusAccepted)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListRuns(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := listRunsResponse{Runs: make([]runResponse, 0, len(summaries))}
	for _, summary := range summaries {
		item := toRunResponse(summary.Run)
		count := summary.MessageCount
		item.MessageCount = &count
		response.Runs = append(response.Runs, item)
	}
	writeJSON(w, response)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, toRunResponse(*run))
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !store.IsTerminalStatus(run.Status) {
		http.Error(w, "run is still active", http.StatusConflict)
		return
	}
	if err := s.store.DeleteRun(r.Context(), runID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := listMessagesResponse{Messages: make([]messageResponse, 0, len(messages))}
	for _, msg := range messages {
		response.Messages = append(response.Messages, messageResponse{
			ID:         msg.ID,
			Sequence:   msg.Sequence,
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			ToolName:   msg.ToolName,
			ToolCalls:  msg.ToolCalls,
			CreatedAt:  msg.CreatedAt,
		})
	}
	writeJSON(w, response)
}

func (s *Server) listRunSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	steps, err := s.store.ListToolSteps(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := listRunStepsResponse{Steps: make([]runStepResponse, 0, len(steps))}
	for _, step := range steps {
		response.Steps = append(response.Steps, runStepResponse{
			ID:          step.ID,
			Name:        step.Name,
			Status:      step.Status,
			Seq:         step.Seq,
			StartedAt:   step.StartedAt,
			CompletedAt: step.CompletedAt,
			DurationMs:  step.DurationMs,
			Error:       step.Error,
			Diagnostics: step.Diagnostics,
		})
	}
	writeJSON(w, response)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	err := s.runs.Cancel(r.Context(), runID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "run not found", http.StatusNotFound)
	case errors.Is(err, runs.ErrRunFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		s.logger.Error("cancel run failed", "run_id", runID, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		writeJSONStatus(w, map[string]string{"run_id": runID, "status": "cancelling"}, http.StatusAccepted)
	}
}
