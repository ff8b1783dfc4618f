// Package maskenv drives the laser through the bridge as a step-based
// environment: each step applies a phase mask and reads back the
// autocorrelation.
package maskenv

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/PrzemekSekula/laser-train/internal/bridge"
)

const (
	// ActionSize is the number of stripes in a mask vector.
	ActionSize = 20
	// MaxLevel is the largest stripe value the modulator accepts.
	MaxLevel = 1023
)

// Step is the outcome of one environment step.
type Step struct {
	Observation float64 `json:"observation"`
	Reward      float64 `json:"reward"`
	Terminated  bool    `json:"terminated"`
	Truncated   bool    `json:"truncated"`
	Action      []int   `json:"action"`
}

// Env sends masks and reads the instrument through a Bridge.
type Env struct {
	b     *bridge.Bridge
	steps int
}

// New creates an environment over b.
func New(b *bridge.Bridge) *Env {
	return &Env{b: b}
}

// Reset returns the initial observation. Nothing is sent to the agent.
func (e *Env) Reset() float64 {
	e.steps = 0
	return 0
}

// Steps returns the number of completed steps since Reset.
func (e *Env) Steps() int { return e.steps }

// Step applies action and returns the reading that follows it. Both calls run
// in one bridge sequence so concurrent users cannot slip a mask in between.
func (e *Env) Step(ctx context.Context, action []int) (Step, error) {
	if err := validate(action); err != nil {
		return Step{}, err
	}

	var obs float64
	err := e.b.Sequence(ctx, func(ctx context.Context) error {
		res, err := e.b.Call(ctx, "send_mask", action)
		if err != nil {
			return err
		}
		if msg, ok := bridge.IsFault(res); ok {
			return &bridge.FaultError{Task: "send_mask", Message: msg}
		}
		obs, err = bridge.CallAs[float64](ctx, e.b, "read_acf", "")
		return err
	})
	if err != nil {
		return Step{}, fmt.Errorf("step %d: %w", e.steps, err)
	}

	e.steps++
	return Step{Observation: obs, Action: action}, nil
}

// RandomAction draws a mask vector with every stripe in [0, MaxLevel].
func RandomAction(rng *rand.Rand) []int {
	action := make([]int, ActionSize)
	for i := range action {
		action[i] = rng.IntN(MaxLevel + 1)
	}
	return action
}

func validate(action []int) error {
	if len(action) != ActionSize {
		return fmt.Errorf("action has %d stripes, want %d", len(action), ActionSize)
	}
	for i, v := range action {
		if v < 0 || v > MaxLevel {
			return fmt.Errorf("action[%d] = %d out of range [0, %d]", i, v, MaxLevel)
		}
	}
	return nil
}
