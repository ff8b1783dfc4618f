// Package bridge gives application code a blocking call interface over the
// dispatch queue: submit a named task, then wait for the agent's result.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PrzemekSekula/laser-train/internal/agent"
	"github.com/PrzemekSekula/laser-train/internal/dispatch"
	"github.com/PrzemekSekula/laser-train/internal/queue"
)

// Dispatcher is the part of the dispatch server a Bridge needs.
type Dispatcher interface {
	Submit(ctx context.Context, name string, args []json.RawMessage) (*queue.Handle, error)
	Await(ctx context.Context, h *queue.Handle) (json.RawMessage, error)
}

// Bridge turns enqueue-and-wait into a single call.
type Bridge struct {
	d   Dispatcher
	seq chan struct{}
}

// New creates a Bridge over d.
func New(d Dispatcher) *Bridge {
	return &Bridge{d: d, seq: make(chan struct{}, 1)}
}

// Call enqueues name(args...) and blocks until the agent reports a result or
// ctx is done. Without a deadline on ctx the wait is unbounded: a task the
// agent does not recognise never returns. Execution faults are returned as
// ordinary "error: ..." results; see IsFault.
func (b *Bridge) Call(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	raw, err := dispatch.EncodeArgs(args...)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	return b.CallRaw(ctx, name, raw)
}

// CallRaw is Call with pre-encoded arguments.
func (b *Bridge) CallRaw(ctx context.Context, name string, args []json.RawMessage) (json.RawMessage, error) {
	h, err := b.d.Submit(ctx, name, args)
	if err != nil {
		return nil, err
	}
	v, err := b.d.Await(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	return v, nil
}

// Sequence runs fn while holding the bridge's sequence lock, so multi-call
// sequences from different callers do not interleave with each other. Plain
// Calls made outside any Sequence are not ordered against it.
func (b *Bridge) Sequence(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case b.seq <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire sequence: %w", ctx.Err())
	}
	defer func() { <-b.seq }()
	return fn(ctx)
}

// FaultError is returned by CallAs when the agent reported an execution fault.
type FaultError struct {
	Task    string
	Message string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("task %s failed on agent: %s", e.Task, e.Message)
}

// IsFault reports whether result is an "error: ..." fault string and returns
// the message after the prefix.
func IsFault(result json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return "", false
	}
	if !strings.HasPrefix(s, agent.FaultPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, agent.FaultPrefix), true
}

// CallAs calls name and decodes the result into T. Faults come back as
// *FaultError.
func CallAs[T any](ctx context.Context, b *Bridge, name string, args ...any) (T, error) {
	var out T
	v, err := b.Call(ctx, name, args...)
	if err != nil {
		return out, err
	}
	if msg, ok := IsFault(v); ok {
		return out, &FaultError{Task: name, Message: msg}
	}
	if err := json.Unmarshal(v, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", name, err)
	}
	return out, nil
}
