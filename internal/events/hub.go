// Package events fans task transitions out to live subscribers and keeps a
// short backlog so a client that connects late can catch up.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatch server.
const (
	TaskEnqueued   = "task.enqueued"
	TaskDispatched = "task.dispatched"
	TaskResolved   = "task.resolved"
	TaskDropped    = "task.dropped"
	TaskAbandoned  = "task.abandoned"
	ResultOrphaned = "result.orphaned"
	AgentContact   = "agent.contact"
)

const (
	defaultBacklog   = 100
	subscriberBuffer = 128
)

// Event is one published transition. Data is a JSON document.
type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"`
}

// TaskData is the payload of task.* events.
type TaskData struct {
	TaskID string          `json:"task_id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Hub is an in-memory publisher. A nil *Hub discards everything.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	backlog []Event
	limit   int
	subs    map[chan Event]struct{}

	missed atomic.Uint64
}

// NewHub creates a hub retaining the last backlog events.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		backlog: make([]Event, 0, backlog),
		limit:   backlog,
		subs:    make(map[chan Event]struct{}),
	}
}

// Publish stamps data as the next event. Subscribers whose buffer is full
// miss it; publishing never blocks the dispatch path.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}

	if len(h.backlog) == h.limit {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.limit-1]
	}
	h.backlog = append(h.backlog, ev)

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.missed.Add(1)
		}
	}
}

// Subscribe returns a channel of future events and a cancel func that
// closes it. Cancel may be called more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// SnapshotSince returns backlog events with ID greater than lastID, oldest
// first. lastID 0 returns the whole backlog.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, ev := range h.backlog {
		if ev.ID > lastID {
			return append([]Event(nil), h.backlog[i:]...)
		}
	}
	return []Event{}
}

// Missed counts deliveries skipped because a subscriber fell behind.
func (h *Hub) Missed() uint64 {
	return h.missed.Load()
}
