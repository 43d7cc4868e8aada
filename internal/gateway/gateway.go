// Package gateway is the thin HTTP/WS transport over the core: it
// exposes exactly the synchronous control surface and the one
// streaming endpoint, translating wire requests into enqueue/store
// calls and back. No core logic lives here.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/basket/goclawd/internal/bus"
	"github.com/basket/goclawd/internal/enqueue"
	"github.com/basket/goclawd/internal/priority"
	"github.com/basket/goclawd/internal/store"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Canceler requests cancellation of a claimed or pending row, covering
// both the durable write and the in-memory signal.
type Canceler interface {
	RequestCancel(ctx context.Context, id string) error
}

// Config wires the gateway to the rest of the daemon.
type Config struct {
	Store          *store.Store
	Bus            *bus.Bus
	Enqueue        *enqueue.Service
	ExecutionsCtl  Canceler
	InferenceCtl   Canceler
	StartedAt      time.Time
	SQLiteVersion  string
	Logger         *slog.Logger
}

// Server implements the HTTP surface described in the external
// interfaces section: execution/inference submission and lookup,
// cancellation, health, and the WS token stream.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Server; call Handler to get the http.Handler to serve.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Handler builds the routed http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /executions/run", s.handleRunExecution)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("POST /inference/chat", s.handleEnqueueInference)
	mux.HandleFunc("GET /inference/{id}", s.handleGetInference)
	mux.HandleFunc("POST /inference/{id}/cancel", s.handleCancelInference)
	mux.HandleFunc("GET /admin/health", s.handleHealth)
	mux.HandleFunc("GET /inference/{id}/stream", s.handleInferenceStream)
	return mux
}

type runExecutionRequest struct {
	AgentID string          `json:"agent_id"`
	Input   json.RawMessage `json:"input"`
	Source  string          `json:"source"`
}

func (s *Server) handleRunExecution(w http.ResponseWriter, r *http.Request) {
	var req runExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	source := req.Source
	if source == "" {
		source = priority.SourceManual
	}
	id, err := s.cfg.Enqueue.Execution(r.Context(), req.AgentID, req.Input, source, "", 0)
	if err != nil {
		writeInvalidInput(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": id, "status": "QUEUED"})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	row, err := s.cfg.Store.GetExecution(r.Context(), id)
	if err != nil {
		writeNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executionView(row))
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.ExecutionsCtl.RequestCancel(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancel_requested"})
}

type enqueueInferenceRequest struct {
	ModelID    string          `json:"model_id"`
	Messages   json.RawMessage `json:"messages"`
	Parameters json.RawMessage `json:"parameters"`
}

func (s *Server) handleEnqueueInference(w http.ResponseWriter, r *http.Request) {
	var req enqueueInferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.cfg.Enqueue.Inference(r.Context(), req.ModelID, req.Messages, req.Parameters, priority.SourceChat, 0)
	if err != nil {
		writeInvalidInput(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "status": "QUEUED"})
}

func (s *Server) handleGetInference(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	row, err := s.cfg.Store.GetInference(r.Context(), id)
	if err != nil {
		writeNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inferenceView(row))
}

func (s *Server) handleCancelInference(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.InferenceCtl.RequestCancel(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancel_requested"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"sqlite_version": s.cfg.SQLiteVersion,
		"uptime_sec":     int(time.Since(s.cfg.StartedAt).Seconds()),
		"go_version":     runtime.Version(),
	})
}

// handleInferenceStream upgrades to a WS connection and forwards every
// bus event on the task's topic, plus a PING every 30s so a client
// behind an idle-killing proxy stays connected.
func (s *Server) handleInferenceStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("ws accept failed", "task_id", taskID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	sub := s.cfg.Bus.Subscribe(bus.InferenceTopic(taskID))
	defer sub.Unsubscribe()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			streamEvt, ok := evt.Data.(bus.StreamEvent)
			if !ok {
				continue
			}
			if err := wsjson.Write(ctx, conn, streamEvt); err != nil {
				return
			}
			if streamEvt.Type == bus.KindDone || streamEvt.Type == bus.KindCanceled || streamEvt.Type == bus.KindError {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		case <-ticker.C:
			ping := bus.StreamEvent{Type: bus.KindPing, TaskID: taskID, TS: time.Now().UnixNano()}
			if err := wsjson.Write(ctx, conn, ping); err != nil {
				return
			}
		}
	}
}

func executionView(row *store.ExecutionRow) map[string]any {
	view := map[string]any{
		"id":                 row.ID,
		"agent_id":           row.AgentID,
		"status":             row.Status,
		"effective_priority": row.EffectivePriority,
		"source":             row.Source,
		"error_log":          row.ErrorLog,
	}
	if len(row.FinalResult) > 0 {
		var result any
		_ = json.Unmarshal(row.FinalResult, &result)
		view["final_result"] = result
	}
	return view
}

func inferenceView(row *store.InferenceRow) map[string]any {
	view := map[string]any{
		"id":                row.ID,
		"model_id":          row.ModelID,
		"status":            row.Status,
		"tokens_per_second": row.TokensPerSecond,
		"error_log":         row.ErrorLog,
	}
	var prompt, parameters, result any
	_ = json.Unmarshal(row.Prompt, &prompt)
	_ = json.Unmarshal(row.Parameters, &parameters)
	view["prompt"] = prompt
	view["parameters"] = parameters
	if len(row.Result) > 0 {
		_ = json.Unmarshal(row.Result, &result)
		view["result"] = result
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeInvalidInput(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, err)
}

func writeNotFound(w http.ResponseWriter, err error) {
	writeError(w, http.StatusNotFound, err)
}
