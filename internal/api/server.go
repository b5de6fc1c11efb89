package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/store"
)

type Server struct {
	store      store.Store
	broker     Broker
	runs       RunService
	cfg        config.Config
	logger     *slog.Logger
	httpClient *http.Client
	heartbeat  time.Duration
}

type Broker interface {
	Subscribe(ctx context.Context, runID string) <-chan events.RunEvent
	Publish(event events.RunEvent)
}

type RunService interface {
	Start(ctx context.Context, startURL string) (store.Run, error)
	Cancel(ctx context.Context, runID string) error
}

func NewServer(st store.Store, broker Broker, runs RunService, cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      st,
		broker:     broker,
		runs:       runs,
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		heartbeat:  15 * time.Second,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Post("/runs", s.createRun)
	r.Get("/runs", s.listRuns)
	r.Get("/runs/{id}", s.getRun)
	r.Delete("/runs/{id}", s.deleteRun)
	r.Get("/runs/{id}/messages", s.listMessages)
	r.Get("/runs/{id}/steps", s.listRunSteps)
	r.Post("/runs/{id}/cancel", s.cancelRun)
	r.Post("/runs/{id}/events", s.ingestEvent)
	r.Get("/runs/{id}/events", s.streamEvents)
	r.Get("/runs/{id}/ws", s.streamWebSocket)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)

	return r
}

// requestLogger skips the chatty polling and streaming endpoints.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(started).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodPost && strings.HasSuffix(cleanPath, "/events") {
		return true
	}
	if method != http.MethodGet {
		return false
	}
	return cleanPath == "/runs" ||
		cleanPath == "/health" ||
		strings.HasSuffix(cleanPath, "/events") ||
		strings.HasSuffix(cleanPath, "/ws")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, map[string]string{"status": "ok"}, http.StatusOK)
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if _, err := s.store.ListRuns(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	toolRunnerURL := strings.TrimSpace(s.cfg.ToolRunnerURL)
	if toolRunnerURL == "" {
		subsystems["tool_runner"] = subsystemStatus{Status: "skipped"}
	} else {
		baseURL := strings.TrimRight(toolRunnerURL, "/")
		resp, err := s.probeHTTP(ctx, baseURL+"/ready")
		if err == nil && resp != nil && resp.StatusCode == http.StatusNotFound {
			resp, err = s.probeHTTP(ctx, baseURL+"/health")
		}
		if err != nil {
			subsystems["tool_runner"] = subsystemStatus{Status: "error", Error: err.Error()}
			overall = http.StatusServiceUnavailable
		} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			subsystems["tool_runner"] = subsystemStatus{Status: "error", Error: fmt.Sprintf("health status %d", resp.StatusCode)}
			overall = http.StatusServiceUnavailable
		} else {
			subsystems["tool_runner"] = subsystemStatus{Status: "ok"}
		}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func (s *Server) probeHTTP(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, resp.Body.Close()
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeJSON(w http.ResponseWriter, value any) {
	writeJSONStatus(w, value, http.StatusOK)
}

// writeStoreError maps store.ErrNotFound to 404 and anything else to 500.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
