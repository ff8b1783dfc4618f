package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/PrzemekSekula/laser-train/internal/log"
)

// Instrument stands in for the laser hardware: it remembers the last mask
// sent and produces autocorrelation readings.
type Instrument struct {
	mu       sync.Mutex
	mask     json.RawMessage
	masks    int
	readings int
	rng      *rand.Rand
}

// NewInstrument creates a mock instrument. seed makes readings reproducible.
func NewInstrument(seed uint64) *Instrument {
	return &Instrument{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// SendMask applies a mask. Any JSON value is accepted.
func (in *Instrument) SendMask(_ context.Context, args Args) (any, error) {
	if args.Len() < 1 {
		return nil, fmt.Errorf("send_mask: mask argument required")
	}
	in.mu.Lock()
	in.mask = append(json.RawMessage(nil), args[0]...)
	in.masks++
	in.mu.Unlock()

	log.WithComponent("instrument").Debug("mask applied", "bytes", len(args[0]))
	return nil, nil
}

// ReadACF returns an autocorrelation reading in [0, 100]. Arguments are ignored.
func (in *Instrument) ReadACF(_ context.Context, _ Args) (any, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.readings++
	return in.rng.IntN(101), nil
}

// LastMask returns the most recently applied mask, nil if none.
func (in *Instrument) LastMask() json.RawMessage {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.mask
}

// Counts reports how many masks were applied and readings taken.
func (in *Instrument) Counts() (masks, readings int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.masks, in.readings
}

// Builtins returns the default task table backed by inst.
func Builtins(inst *Instrument) Table {
	return Table{
		"add":       add,
		"echo":      echo,
		"sleep":     sleep,
		"send_mask": inst.SendMask,
		"read_acf":  inst.ReadACF,
	}
}

// add sums numeric arguments. Integer arguments are summed exactly; any
// fractional or exponent argument switches the result to float64.
func add(_ context.Context, args Args) (any, error) {
	exact := new(big.Int)
	var approx float64
	integral := true
	for i := range args {
		n, err := args.Number(i)
		if err != nil {
			return nil, fmt.Errorf("add: %w", err)
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("add: argument %d: %w", i, err)
		}
		approx += f
		if integral {
			v, ok := new(big.Int).SetString(n.String(), 10)
			if !ok {
				integral = false
				continue
			}
			exact.Add(exact, v)
		}
	}
	if integral {
		return exact, nil
	}
	return approx, nil
}

// echo returns a single argument unchanged, or all arguments as a list.
func echo(_ context.Context, args Args) (any, error) {
	if args.Len() == 1 {
		return args[0], nil
	}
	if args == nil {
		return []json.RawMessage{}, nil
	}
	return []json.RawMessage(args), nil
}

func sleep(ctx context.Context, args Args) (any, error) {
	secs, err := args.Float(0)
	if err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}
	if secs < 0 {
		return nil, fmt.Errorf("sleep: negative duration %v", secs)
	}
	t := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return secs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
