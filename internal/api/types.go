package api

import (
	"encoding/json"
	"time"

	"github.com/PrzemekSekula/laser-train/internal/queue"
	"github.com/PrzemekSekula/laser-train/internal/storage"
)

// CallRequest is the JSON body for POST /call/{name} and POST /tasks/{name}.
type CallRequest struct {
	Args []json.RawMessage `json:"args,omitempty"`
	// TimeoutSeconds bounds a synchronous call. It is capped by the server's
	// max_call_timeout; zero means the cap.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

// CallResponse is returned by the call and submit endpoints.
type CallResponse struct {
	TaskID string          `json:"task_id"`
	Name   string          `json:"name"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Fault  string          `json:"fault,omitempty"`
}

// TaskListResponse is returned by GET /tasks.
type TaskListResponse struct {
	Tasks []storage.TaskRecord `json:"tasks"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string      `json:"status"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	QueueDepth    int         `json:"queue_depth"`
	InFlight      int         `json:"in_flight"`
	AgentLastSeen *time.Time  `json:"agent_last_seen,omitempty"`
	ConfigHash    string      `json:"config_hash,omitempty"`
	Tasks         queue.Stats `json:"tasks"`
}
