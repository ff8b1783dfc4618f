package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue is an in-memory FIFO of tasks, each paired with a rendezvous slot at
// submission time. One mutex guards both the pending list and the in-flight
// resolution line, so TakeNext and Resolve are atomic with respect to each
// other.
type Queue struct {
	mu       sync.Mutex
	pending  []*Handle
	inflight []*Handle
	// lastResolved detects a report repeated after its slot was resolved.
	lastResolved string

	stats Stats
	now   func() time.Time
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{now: time.Now}
}

// Submit appends a task and returns the handle of its fresh, unresolved slot.
// It never blocks.
func (q *Queue) Submit(name string, args []json.RawMessage) (*Handle, error) {
	h, err := q.Reserve(name, args)
	if err != nil {
		return nil, err
	}
	q.Push(h)
	return h, nil
}

// Reserve allocates a task and its slot without queueing it. TakeNext cannot
// see the task until Push, so callers can record it first.
func (q *Queue) Reserve(name string, args []json.RawMessage) (*Handle, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if args == nil {
		args = []json.RawMessage{}
	}

	return newHandle(Task{
		ID:          uuid.NewString(),
		Name:        name,
		Args:        args,
		SubmittedAt: q.now().UTC(),
	}), nil
}

// Push appends a reserved task to the tail of the queue.
func (q *Queue) Push(h *Handle) {
	q.mu.Lock()
	q.pending = append(q.pending, h)
	q.stats.Submitted++
	q.mu.Unlock()
}

// TakeNext pops the head task and moves it onto the in-flight line in one
// critical section, so no task is ever handed out twice. Anything still
// in-flight at this point was never reported and is dropped. It returns
// false when the queue was empty at that instant.
func (q *Queue) TakeNext() (Dispatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var d Dispatch
	for _, h := range q.inflight {
		h.setState(StateDropped)
		d.Dropped = append(d.Dropped, h.task)
		q.stats.Dropped++
	}
	q.inflight = q.inflight[:0]

	if len(q.pending) == 0 {
		return d, false
	}

	h := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	h.setState(StateDispatched)
	q.inflight = append(q.inflight, h)
	q.stats.Dispatched++

	d.Task = h.task
	return d, true
}

// Resolve delivers value to the in-flight slot. A non-empty taskID must name
// the in-flight task; an empty one resolves the oldest in-flight slot. With
// no matching slot the value is discarded.
func (q *Queue) Resolve(taskID string, value json.RawMessage) Resolution {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	if taskID == "" {
		if len(q.inflight) > 0 {
			idx = 0
		}
	} else {
		for i, h := range q.inflight {
			if h.task.ID == taskID {
				idx = i
				break
			}
		}
	}

	if idx < 0 {
		if taskID != "" && taskID == q.lastResolved {
			return Resolution{Outcome: OutcomeDuplicate}
		}
		q.stats.Orphaned++
		return Resolution{Outcome: OutcomeOrphaned}
	}

	h := q.inflight[idx]
	q.inflight = append(q.inflight[:idx], q.inflight[idx+1:]...)
	if !h.resolve(value) {
		return Resolution{Outcome: OutcomeDuplicate, Task: h.task}
	}
	q.lastResolved = h.task.ID
	q.stats.Resolved++
	return Resolution{Outcome: OutcomeResolved, Task: h.task}
}

// Await blocks until the slot is resolved or ctx is done. Pass a context
// without deadline to wait indefinitely.
func (q *Queue) Await(ctx context.Context, h *Handle) (json.RawMessage, error) {
	select {
	case <-h.Done():
		v, _ := h.Value()
		return v, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("await task %s: %w", h.ID(), ctx.Err())
	}
}

// Abandon removes a task that has not been dispatched yet. It reports false
// once the task has left the pending list.
func (q *Queue) Abandon(h *Handle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, p := range q.pending {
		if p == h {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			h.setState(StateAbandoned)
			q.stats.Abandoned++
			return true
		}
	}
	return false
}

// Depth returns the number of tasks waiting to be dispatched.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Queued = len(q.pending)
	s.InFlight = len(q.inflight)
	return s
}
