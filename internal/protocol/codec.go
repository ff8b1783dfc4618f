package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed marks a body that does not parse as the expected structure.
var ErrMalformed = errors.New("malformed message")

type wireDirective struct {
	Action string            `json:"action"`
	Args   []json.RawMessage `json:"args"`
	TaskID string            `json:"task_id,omitempty"`
}

// MarshalJSON encodes the directive as {"action": ..., "args": [...]}.
func (d Directive) MarshalJSON() ([]byte, error) {
	switch d.Kind {
	case KindWait:
		secs, err := json.Marshal(d.Seconds)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireDirective{Action: ActionWait, Args: []json.RawMessage{secs}})
	case KindExecute:
		name, err := json.Marshal(d.Name)
		if err != nil {
			return nil, err
		}
		args := d.Args
		if args == nil {
			args = []json.RawMessage{}
		}
		list, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		return json.Marshal(wireDirective{
			Action: ActionExecute,
			Args:   []json.RawMessage{name, list},
			TaskID: d.TaskID,
		})
	default:
		return nil, fmt.Errorf("unsupported directive kind: %d", d.Kind)
	}
}

// UnmarshalJSON decodes and validates a wire directive.
func (d *Directive) UnmarshalJSON(data []byte) error {
	var w wireDirective
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch w.Action {
	case ActionWait:
		if len(w.Args) != 1 {
			return fmt.Errorf("%w: wait expects 1 arg, got %d", ErrMalformed, len(w.Args))
		}
		var secs float64
		if err := json.Unmarshal(w.Args[0], &secs); err != nil {
			return fmt.Errorf("%w: wait seconds: %v", ErrMalformed, err)
		}
		if secs < 0 {
			return fmt.Errorf("%w: negative wait %v", ErrMalformed, secs)
		}
		*d = Wait(secs)
		return nil
	case ActionExecute:
		if len(w.Args) != 2 {
			return fmt.Errorf("%w: execute expects 2 args, got %d", ErrMalformed, len(w.Args))
		}
		var name string
		if err := json.Unmarshal(w.Args[0], &name); err != nil {
			return fmt.Errorf("%w: task name: %v", ErrMalformed, err)
		}
		var args []json.RawMessage
		if err := json.Unmarshal(w.Args[1], &args); err != nil {
			return fmt.Errorf("%w: task args: %v", ErrMalformed, err)
		}
		*d = Execute(w.TaskID, name, args)
		return nil
	case "":
		return fmt.Errorf("%w: missing action", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown directive %q", ErrMalformed, w.Action)
	}
}

// EncodeRequest writes req as JSON to w.
func EncodeRequest(w io.Writer, req Request) error {
	if req.Action == "" {
		return fmt.Errorf("request action is empty")
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return nil
}

// DecodeRequest reads a request body. The action is not checked here; the
// server decides what an unknown action means.
func DecodeRequest(r io.Reader) (Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return req, nil
}

// DecodeDirective reads a server reply body.
func DecodeDirective(r io.Reader) (Directive, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Directive{}, fmt.Errorf("read directive: %w", err)
	}
	if len(data) == 0 {
		return Directive{}, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	var d Directive
	if err := json.Unmarshal(data, &d); err != nil {
		if errors.Is(err, ErrMalformed) {
			return Directive{}, err
		}
		return Directive{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return d, nil
}
