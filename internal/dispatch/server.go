package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/PrzemekSekula/laser-train/internal/config"
	"github.com/PrzemekSekula/laser-train/internal/events"
	"github.com/PrzemekSekula/laser-train/internal/log"
	"github.com/PrzemekSekula/laser-train/internal/protocol"
	"github.com/PrzemekSekula/laser-train/internal/queue"
)

// ErrUnknownAction is returned by Handle for actions other than query and response.
var ErrUnknownAction = errors.New("unknown action")

const (
	defaultWait = time.Second
	dropReason  = "agent polled again without reporting"
)

// Journal records task transitions. *storage.Journal implements it.
type Journal interface {
	Enqueued(ctx context.Context, t queue.Task) error
	Dispatched(ctx context.Context, taskID string) error
	Resolved(ctx context.Context, taskID string, result json.RawMessage) error
	Finished(ctx context.Context, taskID string, state queue.State, reason string) error
}

// Server is the dispatch server: it hands queued tasks to a polling agent and
// routes reported results back to waiting callers.
type Server struct {
	queue       *queue.Queue
	hub         *events.Hub
	journal     Journal
	logger      *slog.Logger
	defaultWait time.Duration

	// lastContact is the agent's last request time in unix nanoseconds.
	lastContact atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithEventHub publishes task transitions on hub.
func WithEventHub(hub *events.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithJournal records task transitions in j.
func WithJournal(j Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithDefaultWait sets the delay sent to the agent when there is no work.
func WithDefaultWait(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.defaultWait = d
		}
	}
}

// New creates a Server that dispatches from q.
func New(q *queue.Queue, opts ...Option) *Server {
	s := &Server{
		queue:       q,
		logger:      log.WithComponent("dispatch"),
		defaultWait: defaultWait,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit enqueues a task and returns the handle of its slot. The journal row
// and task.enqueued event exist before the agent can be handed the task.
func (s *Server) Submit(ctx context.Context, name string, args []json.RawMessage) (*queue.Handle, error) {
	h, err := s.queue.Reserve(name, args)
	if err != nil {
		return nil, fmt.Errorf("submit %q: %w", name, err)
	}

	task := h.Task()
	s.record(ctx, task.ID, "enqueued", func(ctx context.Context) error {
		return s.journal.Enqueued(ctx, task)
	})
	s.publish(events.TaskEnqueued, task, nil, "")

	s.queue.Push(h)
	tasksTotal.WithLabelValues(eventEnqueued).Inc()
	queueDepth.Set(float64(s.queue.Depth()))
	log.WithTask(task.ID, task.Name).Debug("task enqueued", "args", len(task.Args))
	return h, nil
}

// Await blocks until h is resolved or ctx is done. If ctx ends while the task
// is still queued, the task is removed so it never runs; once dispatched it
// stays with the agent and its result is discarded.
func (s *Server) Await(ctx context.Context, h *queue.Handle) (json.RawMessage, error) {
	v, err := s.queue.Await(ctx, h)
	if err == nil {
		return v, nil
	}

	if s.queue.Abandon(h) {
		task := h.Task()
		reason := ctx.Err().Error()
		tasksTotal.WithLabelValues(eventAbandoned).Inc()
		queueDepth.Set(float64(s.queue.Depth()))
		s.publish(events.TaskAbandoned, task, nil, reason)
		s.record(ctx, task.ID, "abandoned", func(ctx context.Context) error {
			return s.journal.Finished(ctx, task.ID, queue.StateAbandoned, reason)
		})
		log.WithTask(task.ID, task.Name).Info("task abandoned before dispatch", "reason", reason)
	}
	return nil, err
}

// Poll answers an agent query with the next directive.
func (s *Server) Poll(ctx context.Context) protocol.Directive {
	s.touch()
	agentRequestsTotal.WithLabelValues(protocol.ActionQuery).Inc()
	return s.next(ctx)
}

// Report resolves the slot for a reported result and returns the next
// directive in the same exchange. taskID may be empty.
func (s *Server) Report(ctx context.Context, taskID string, result json.RawMessage) (protocol.Directive, queue.Resolution) {
	s.touch()
	agentRequestsTotal.WithLabelValues(protocol.ActionResponse).Inc()
	if len(result) == 0 {
		result = json.RawMessage("null")
	}

	res := s.queue.Resolve(taskID, result)
	switch res.Outcome {
	case queue.OutcomeResolved:
		task := res.Task
		tasksTotal.WithLabelValues(eventResolved).Inc()
		taskLatency.Observe(time.Since(task.SubmittedAt).Seconds())
		s.publish(events.TaskResolved, task, result, "")
		s.record(ctx, task.ID, "resolved", func(ctx context.Context) error {
			return s.journal.Resolved(ctx, task.ID, result)
		})
		log.WithTask(task.ID, task.Name).Debug("task resolved")
	case queue.OutcomeOrphaned:
		tasksTotal.WithLabelValues(eventOrphaned).Inc()
		s.publish(events.ResultOrphaned, queue.Task{ID: taskID}, result, "no task outstanding")
		s.logger.Warn("discarding result with no outstanding task", "task_id", taskID)
	case queue.OutcomeDuplicate:
		tasksTotal.WithLabelValues(eventDuplicate).Inc()
		s.logger.Info("ignoring repeated report", "task_id", taskID)
	}

	return s.next(ctx), res
}

// Handle routes a decoded agent request.
func (s *Server) Handle(ctx context.Context, req protocol.Request) (protocol.Directive, error) {
	switch req.Action {
	case protocol.ActionQuery:
		return s.Poll(ctx), nil
	case protocol.ActionResponse:
		d, _ := s.Report(ctx, req.TaskID, req.Result)
		return d, nil
	default:
		return protocol.Directive{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}

// Preload enqueues configured startup tasks. The returned handles are not
// awaited; their results are visible in events and the journal.
func (s *Server) Preload(ctx context.Context, tasks []config.PreloadTask) ([]*queue.Handle, error) {
	handles := make([]*queue.Handle, 0, len(tasks))
	for i, t := range tasks {
		args, err := EncodeArgs(t.Args...)
		if err != nil {
			return handles, fmt.Errorf("preload[%d] %q: %w", i, t.Name, err)
		}
		h, err := s.Submit(ctx, t.Name, args)
		if err != nil {
			return handles, fmt.Errorf("preload[%d]: %w", i, err)
		}
		handles = append(handles, h)
	}
	if len(handles) > 0 {
		s.logger.Info("preloaded tasks", "count", len(handles))
	}
	return handles, nil
}

// Stats returns a queue snapshot.
func (s *Server) Stats() queue.Stats {
	return s.queue.Stats()
}

// AgentLastSeen returns the time of the agent's last request, zero if never.
func (s *Server) AgentLastSeen() time.Time {
	n := s.lastContact.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// DefaultWait returns the delay sent in wait directives.
func (s *Server) DefaultWait() time.Duration {
	return s.defaultWait
}

// next takes the head task or tells the agent to wait.
func (s *Server) next(ctx context.Context) protocol.Directive {
	d, ok := s.queue.TakeNext()
	for _, dropped := range d.Dropped {
		task := dropped
		tasksTotal.WithLabelValues(eventDropped).Inc()
		s.publish(events.TaskDropped, task, nil, dropReason)
		s.record(ctx, task.ID, "dropped", func(ctx context.Context) error {
			return s.journal.Finished(ctx, task.ID, queue.StateDropped, dropReason)
		})
		log.WithTask(task.ID, task.Name).Warn("task dropped, caller will not receive a result", "reason", dropReason)
	}

	if !ok {
		return protocol.Wait(s.defaultWait.Seconds())
	}

	task := d.Task
	tasksTotal.WithLabelValues(eventDispatched).Inc()
	queueDepth.Set(float64(s.queue.Depth()))
	s.publish(events.TaskDispatched, task, nil, "")
	s.record(ctx, task.ID, "dispatched", func(ctx context.Context) error {
		return s.journal.Dispatched(ctx, task.ID)
	})
	log.WithTask(task.ID, task.Name).Debug("task dispatched")
	return protocol.Execute(task.ID, task.Name, task.Args)
}

// touch records agent contact and announces the agent after a silence.
func (s *Server) touch() {
	now := time.Now()
	prev := s.lastContact.Swap(now.UnixNano())
	if prev == 0 || now.Sub(time.Unix(0, prev)) > 10*s.defaultWait {
		s.logger.Info("agent connected")
		s.hub.Publish(events.AgentContact, map[string]any{"at": now.UTC()})
	}
}

func (s *Server) publish(eventType string, task queue.Task, result json.RawMessage, reason string) {
	if s.hub == nil {
		return
	}
	data := events.TaskData{
		TaskID: task.ID,
		Name:   task.Name,
		Result: result,
		Reason: reason,
	}
	if len(task.Args) > 0 {
		if b, err := json.Marshal(task.Args); err == nil {
			data.Args = b
		}
	}
	s.hub.Publish(eventType, data)
}

func (s *Server) record(ctx context.Context, taskID, what string, fn func(context.Context) error) {
	if s.journal == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("journal write failed", "task_id", taskID, "transition", what, "error", err)
	}
}

// EncodeArgs marshals positional arguments into their wire form.
func EncodeArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out = append(out, raw)
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode arg %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}
