package tui

import (
	"encoding/json"
	"time"

	"github.com/PrzemekSekula/laser-train/internal/bridge"
	"github.com/PrzemekSekula/laser-train/internal/events"
)

const maxTasks = 200

// TaskState is what the monitor knows about one task from the event stream.
type TaskState struct {
	ID           string
	Name         string
	State        string
	SubmittedAt  time.Time
	DispatchedAt time.Time
	FinishedAt   time.Time
	Result       string
}

// Duration is time spent with the agent, or zero if never dispatched.
func (t *TaskState) Duration(now time.Time) time.Duration {
	if t.DispatchedAt.IsZero() {
		return 0
	}
	end := t.FinishedAt
	if end.IsZero() {
		end = now
	}
	return end.Sub(t.DispatchedAt)
}

// taskBoard tracks tasks newest-first.
type taskBoard struct {
	byID  map[string]*TaskState
	order []string
}

func newTaskBoard() *taskBoard {
	return &taskBoard{byID: make(map[string]*TaskState)}
}

// apply folds one event into the board. It reports whether anything changed.
func (b *taskBoard) apply(e events.Event) bool {
	var data events.TaskData
	if err := json.Unmarshal(e.Data, &data); err != nil || data.TaskID == "" {
		return false
	}

	t, ok := b.byID[data.TaskID]
	if !ok {
		if e.Type != events.TaskEnqueued && e.Type != events.TaskDispatched {
			return false
		}
		t = &TaskState{ID: data.TaskID, Name: data.Name, SubmittedAt: e.At}
		b.byID[t.ID] = t
		b.order = append([]string{t.ID}, b.order...)
		b.trim()
	}

	switch e.Type {
	case events.TaskEnqueued:
		t.State = "queued"
	case events.TaskDispatched:
		t.State = "dispatched"
		t.DispatchedAt = e.At
	case events.TaskResolved:
		t.State = "resolved"
		t.FinishedAt = e.At
		t.Result = string(data.Result)
		if _, fault := bridge.IsFault(data.Result); fault {
			t.State = "fault"
		}
	case events.TaskDropped:
		t.State = "dropped"
		t.FinishedAt = e.At
	case events.TaskAbandoned:
		t.State = "abandoned"
		t.FinishedAt = e.At
	default:
		return false
	}
	return true
}

func (b *taskBoard) trim() {
	for len(b.order) > maxTasks {
		last := b.order[len(b.order)-1]
		delete(b.byID, last)
		b.order = b.order[:len(b.order)-1]
	}
}

// tasks returns tasks newest-first.
func (b *taskBoard) tasks() []*TaskState {
	out := make([]*TaskState, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.byID[id])
	}
	return out
}
