// Package protocol defines the JSON wire format spoken between the dispatch
// server and the execution agent over a single request/response endpoint.
package protocol

import (
	"encoding/json"
	"math"
	"time"
)

// Request actions sent by the agent.
const (
	ActionQuery    = "query"
	ActionResponse = "response"
)

// Directive actions returned by the server.
const (
	ActionWait    = "wait"
	ActionExecute = "execute"
)

// Request is the body the agent POSTs to the server.
type Request struct {
	Action string          `json:"action"`
	Result json.RawMessage `json:"result,omitempty"`
	// TaskID echoes the id of the executed task. Optional: agents that omit it
	// get FIFO resolution on the server.
	TaskID string `json:"task_id,omitempty"`
}

// Query builds a poll request.
func Query() Request {
	return Request{Action: ActionQuery}
}

// Response builds a result report for taskID.
func Response(taskID string, result json.RawMessage) Request {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return Request{Action: ActionResponse, Result: result, TaskID: taskID}
}

// Kind tags a Directive.
type Kind int

const (
	KindWait Kind = iota + 1
	KindExecute
)

func (k Kind) String() string {
	switch k {
	case KindWait:
		return ActionWait
	case KindExecute:
		return ActionExecute
	default:
		return "unknown"
	}
}

// Directive is what the server tells the agent to do next: either wait a
// number of seconds, or execute a named task with arguments.
type Directive struct {
	Kind Kind

	// Wait
	Seconds float64

	// Execute
	TaskID string
	Name   string
	Args   []json.RawMessage
}

// Wait builds a wait directive.
func Wait(seconds float64) Directive {
	return Directive{Kind: KindWait, Seconds: seconds}
}

// Execute builds an execute directive.
func Execute(taskID, name string, args []json.RawMessage) Directive {
	return Directive{Kind: KindExecute, TaskID: taskID, Name: name, Args: args}
}

// maxDelaySeconds is the longest wait a time.Duration can hold.
const maxDelaySeconds = float64(math.MaxInt64) / float64(time.Second)

// Delay converts a wait directive's seconds to a duration, saturating at the
// largest representable duration.
func (d Directive) Delay() time.Duration {
	if d.Seconds <= 0 {
		return 0
	}
	if d.Seconds >= maxDelaySeconds {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d.Seconds * float64(time.Second))
}

// ErrorBody is returned with non-success status codes.
type ErrorBody struct {
	Error string `json:"error"`
}
