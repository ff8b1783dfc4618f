// Package agent implements the execution agent: a single sequential loop
// that polls the dispatch server, runs the named task locally and reports
// the result. It only ever initiates requests, so it works from behind NAT
// or a firewall.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PrzemekSekula/laser-train/internal/log"
	"github.com/PrzemekSekula/laser-train/internal/protocol"
)

const (
	defaultRetryDelay       = 5 * time.Second
	defaultUnknownTaskDelay = time.Second
)

// Agent executes tasks handed out by the dispatch server.
type Agent struct {
	transport    Transport
	table        Table
	retryDelay   time.Duration
	unknownDelay time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithRetryDelay sets the fixed delay between failed exchanges.
func WithRetryDelay(d time.Duration) Option {
	return func(a *Agent) { a.retryDelay = d }
}

// WithUnknownTaskDelay sets the pause after skipping an unknown task.
func WithUnknownTaskDelay(d time.Duration) Option {
	return func(a *Agent) { a.unknownDelay = d }
}

// WithSleep replaces the delay function. Tests use it to avoid real waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Agent) { a.sleep = fn }
}

// New creates an agent that executes tasks from table.
func New(t Transport, table Table, opts ...Option) *Agent {
	a := &Agent{
		transport:    t,
		table:        table,
		retryDelay:   defaultRetryDelay,
		unknownDelay: defaultUnknownTaskDelay,
		sleep:        sleepCtx,
		logger:       log.WithComponent("agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run polls and executes until ctx is cancelled. It never returns because
// of a task or transport failure.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent started", "tasks", a.table.Names())

	d, err := a.exchange(ctx, protocol.Query())
	for err == nil {
		d, err = a.step(ctx, d)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		a.logger.Info("agent stopped")
		return nil
	}
	return err
}

// step acts on one directive and returns the next one.
func (a *Agent) step(ctx context.Context, d protocol.Directive) (protocol.Directive, error) {
	switch d.Kind {
	case protocol.KindWait:
		a.logger.Debug("waiting", "seconds", d.Seconds)
		if err := a.sleep(ctx, d.Delay()); err != nil {
			return protocol.Directive{}, err
		}
		return a.exchange(ctx, protocol.Query())

	case protocol.KindExecute:
		logger := log.WithTask(d.TaskID, d.Name)
		fn, ok := a.table.Lookup(d.Name)
		if !ok {
			// Not reported: the server drops the task on our next poll.
			logger.Warn("unknown task, skipping")
			if err := a.sleep(ctx, a.unknownDelay); err != nil {
				return protocol.Directive{}, err
			}
			return a.exchange(ctx, protocol.Query())
		}

		logger.Info("executing task", "args", len(d.Args))
		start := time.Now()
		result := a.execute(ctx, fn, d)
		if ctx.Err() != nil {
			return protocol.Directive{}, ctx.Err()
		}
		logger.Debug("task finished", "duration_ms", time.Since(start).Milliseconds())
		return a.exchange(ctx, protocol.Response(d.TaskID, result))

	default:
		a.logger.Warn("unrecognised directive, polling again", "kind", d.Kind, "retry_in", a.retryDelay.String())
		if err := a.sleep(ctx, a.retryDelay); err != nil {
			return protocol.Directive{}, err
		}
		return a.exchange(ctx, protocol.Query())
	}
}

// execute runs fn and encodes its outcome. Errors and panics become
// "error: <message>" results so the waiting caller is always answered.
func (a *Agent) execute(ctx context.Context, fn Func, d protocol.Directive) (result json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.WithTask(d.TaskID, d.Name).Error("task panicked", "panic", r)
			result = faultResult(fmt.Errorf("panic: %v", r))
		}
	}()

	v, err := fn(ctx, Args(d.Args))
	if err != nil {
		log.WithTask(d.TaskID, d.Name).Warn("task failed", "error", err)
		return faultResult(err)
	}
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return faultResult(errors.New("task returned invalid JSON"))
		}
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return faultResult(fmt.Errorf("encode result: %w", err))
	}
	return b
}

// exchange retries req with a fixed delay until the server answers or ctx ends.
func (a *Agent) exchange(ctx context.Context, req protocol.Request) (protocol.Directive, error) {
	for attempt := 1; ; attempt++ {
		d, err := a.transport.Exchange(ctx, req)
		if err == nil {
			return d, nil
		}
		if ctx.Err() != nil {
			return protocol.Directive{}, ctx.Err()
		}
		a.logger.Warn("no valid response, retrying",
			"action", req.Action,
			"attempt", attempt,
			"retry_in", a.retryDelay.String(),
			"error", err,
		)
		if err := a.sleep(ctx, a.retryDelay); err != nil {
			return protocol.Directive{}, err
		}
	}
}

// FaultPrefix marks a result that carries an execution failure.
const FaultPrefix = "error: "

func faultResult(err error) json.RawMessage {
	b, _ := json.Marshal(FaultPrefix + err.Error())
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
