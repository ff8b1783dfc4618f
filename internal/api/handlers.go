package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PrzemekSekula/laser-train/internal/bridge"
	"github.com/PrzemekSekula/laser-train/internal/dispatch"
	"github.com/PrzemekSekula/laser-train/internal/protocol"
	"github.com/PrzemekSekula/laser-train/internal/queue"
	"github.com/PrzemekSekula/laser-train/internal/storage"
)

// handleRPC handles POST {rpc_path}, the single endpoint the agent talks to.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Warn("rejecting agent request", "error", err)
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	d, err := s.tasks.Handle(r.Context(), req)
	if errors.Is(err, dispatch.ErrUnknownAction) {
		s.writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	if err != nil {
		s.logger.Error("rpc failed", "action", req.Action, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.tasks.Stats()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    stats.Queued,
		InFlight:      stats.InFlight,
		ConfigHash:    s.config.ConfigHash,
		Tasks:         stats,
	}
	if seen := s.tasks.AgentLastSeen(); !seen.IsZero() {
		seen = seen.UTC()
		resp.AgentLastSeen = &seen
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCall handles POST /call/{name}: enqueue and wait for the result.
// When the wait times out the response carries the task's status: 202 if the
// agent holds the task, 504 if it was abandoned before dispatch.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	req, ok := s.decodeCallRequest(w, r)
	if !ok {
		return
	}

	select {
	case s.callSemaphore <- struct{}{}:
		defer func() { <-s.callSemaphore }()
	default:
		s.logger.Warn("too many concurrent synchronous calls", "task", name)
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent synchronous calls, please try again later or use POST /tasks")
		return
	}
	callsInFlight.Inc()
	defer callsInFlight.Dec()

	waitTimeout := s.config.MaxCallTimeout
	if req.TimeoutSeconds > 0 {
		if d := time.Duration(req.TimeoutSeconds * float64(time.Second)); d < waitTimeout {
			waitTimeout = d
		}
	}

	h, err := s.tasks.Submit(r.Context(), name, req.Args)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
	defer cancel()
	result, err := s.tasks.Await(ctx, h)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away.
			return
		}
		// Work the agent already holds may still finish; anything else is gone.
		code := http.StatusGatewayTimeout
		state := h.State()
		if state == queue.StateDispatched {
			code = http.StatusAccepted
		}
		respondJSON(w, code, CallResponse{
			TaskID: h.ID(),
			Name:   name,
			Status: string(state),
		})
		return
	}

	resp := CallResponse{
		TaskID: h.ID(),
		Name:   name,
		Status: string(queue.StateResolved),
		Result: result,
	}
	if msg, isFault := bridge.IsFault(result); isFault {
		resp.Fault = msg
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSubmit handles POST /tasks/{name}: enqueue without waiting.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	req, ok := s.decodeCallRequest(w, r)
	if !ok {
		return
	}

	h, err := s.tasks.Submit(r.Context(), name, req.Args)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, CallResponse{
		TaskID: h.ID(),
		Name:   name,
		Status: string(queue.StateQueued),
	})
}

// handleListTasks handles GET /tasks?limit=N.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "task journal is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	tasks, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if tasks == nil {
		tasks = []storage.TaskRecord{}
	}
	respondJSON(w, http.StatusOK, TaskListResponse{Tasks: tasks})
}

// handleGetTask handles GET /tasks/{taskID}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "task journal is disabled")
		return
	}

	rec, err := s.journal.Get(r.Context(), chi.URLParam(r, "taskID"))
	if errors.Is(err, storage.ErrRecordNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) decodeCallRequest(w http.ResponseWriter, r *http.Request) (CallRequest, bool) {
	var req CallRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.TimeoutSeconds < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_seconds must not be negative")
		return req, false
	}
	return req, true
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrEmptyName) {
		s.writeError(w, http.StatusBadRequest, "task name is required")
		return
	}
	s.logger.Error("failed to submit task", "error", err)
	s.writeError(w, http.StatusInternalServerError, "failed to submit task")
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
