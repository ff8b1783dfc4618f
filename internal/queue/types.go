package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// State is the server-observed lifecycle of a task.
type State string

const (
	StateQueued     State = "queued"
	StateDispatched State = "dispatched"
	StateResolved   State = "resolved"
	// StateDropped means the agent asked for more work without reporting this
	// task. Its slot is never resolved.
	StateDropped   State = "dropped"
	StateAbandoned State = "abandoned"
)

// Task is an immutable unit of work: a dispatch table name plus JSON arguments.
type Task struct {
	ID          string
	Name        string
	Args        []json.RawMessage
	SubmittedAt time.Time
}

// Outcome classifies a Resolve call.
type Outcome int

const (
	// OutcomeResolved means a waiting slot received the value.
	OutcomeResolved Outcome = iota + 1
	// OutcomeOrphaned means no slot was outstanding and the value was discarded.
	OutcomeOrphaned
	// OutcomeDuplicate means the slot named by the report was already resolved.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeOrphaned:
		return "orphaned"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Resolution is returned by Resolve. Task is zero for orphaned reports.
type Resolution struct {
	Outcome Outcome
	Task    Task
}

// Dispatch is returned by TakeNext.
type Dispatch struct {
	Task Task
	// Dropped lists in-flight tasks the agent never reported; they are
	// removed from the resolution line and their callers keep waiting.
	Dropped []Task
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Queued     int    `json:"queued"`
	InFlight   int    `json:"in_flight"`
	Submitted  uint64 `json:"submitted"`
	Dispatched uint64 `json:"dispatched"`
	Resolved   uint64 `json:"resolved"`
	Dropped    uint64 `json:"dropped"`
	Orphaned   uint64 `json:"orphaned"`
	Abandoned  uint64 `json:"abandoned"`
}

var (
	ErrEmptyName    = errors.New("task name is empty")
	ErrTaskNotFound = errors.New("task not found")
)
