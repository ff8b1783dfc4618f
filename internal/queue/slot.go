package queue

import (
	"encoding/json"
	"sync"
)

// Handle references the rendezvous slot of one submitted task. The slot is
// resolved at most once; Done is closed when that happens.
type Handle struct {
	task Task

	mu       sync.Mutex
	state    State
	resolved bool
	value    json.RawMessage
	done     chan struct{}
}

func newHandle(t Task) *Handle {
	return &Handle{
		task:  t,
		state: StateQueued,
		done:  make(chan struct{}),
	}
}

// ID returns the task id.
func (h *Handle) ID() string { return h.task.ID }

// Task returns the submitted task.
func (h *Handle) Task() Task { return h.task }

// Done is closed once the slot is resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Value returns the resolved value, and whether the slot has been resolved.
func (h *Handle) Value() (json.RawMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.resolved
}

// resolve stores v and wakes waiters. It reports false if already resolved.
func (h *Handle) resolve(v json.RawMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return false
	}
	h.resolved = true
	h.value = v
	h.state = StateResolved
	close(h.done)
	return true
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}
