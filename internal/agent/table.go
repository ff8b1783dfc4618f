package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Func is a task the agent can execute. The returned value is JSON-encoded
// as the task result.
type Func func(ctx context.Context, args Args) (any, error)

// Table maps task names to functions.
type Table map[string]Func

// Lookup returns the function registered under name.
func (t Table) Lookup(name string) (Func, bool) {
	fn, ok := t[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the subset of t named by names. An empty list selects all.
func (t Table) Select(names []string) (Table, error) {
	if len(names) == 0 {
		return t, nil
	}
	out := make(Table, len(names))
	var missing []string
	for _, name := range names {
		fn, ok := t[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		out[name] = fn
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unknown tasks %s (available: %s)",
			strings.Join(missing, ", "), strings.Join(t.Names(), ", "))
	}
	return out, nil
}

// Args are the positional JSON arguments of a task.
type Args []json.RawMessage

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("missing argument %d (got %d)", i, len(a))
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// Number returns argument i as a JSON number, keeping its literal text.
func (a Args) Number(i int) (json.Number, error) {
	if i < 0 || i >= len(a) {
		return "", fmt.Errorf("missing argument %d (got %d)", i, len(a))
	}
	dec := json.NewDecoder(bytes.NewReader(a[i]))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("argument %d: %w", i, err)
	}
	n, ok := v.(json.Number)
	if !ok {
		return "", fmt.Errorf("argument %d: %s is not a number", i, a[i])
	}
	return n, nil
}

// Float returns argument i as a number.
func (a Args) Float(i int) (float64, error) {
	var f float64
	err := a.Decode(i, &f)
	return f, err
}

// String returns argument i as a string.
func (a Args) String(i int) (string, error) {
	var s string
	err := a.Decode(i, &s)
	return s, err
}
