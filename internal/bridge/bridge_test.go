package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PrzemekSekula/laser-train/internal/agent"
	"github.com/PrzemekSekula/laser-train/internal/dispatch"
	"github.com/PrzemekSekula/laser-train/internal/log"
	"github.com/PrzemekSekula/laser-train/internal/protocol"
	"github.com/PrzemekSekula/laser-train/internal/queue"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// localTransport hands agent requests straight to the server.
type localTransport struct{ srv *dispatch.Server }

func (l localTransport) Exchange(ctx context.Context, req protocol.Request) (protocol.Directive, error) {
	return l.srv.Handle(ctx, req)
}

func startAgent(t *testing.T, table agent.Table) *Bridge {
	t.Helper()
	srv := dispatch.New(queue.New(), dispatch.WithDefaultWait(5*time.Millisecond))
	a := agent.New(localTransport{srv}, table,
		agent.WithRetryDelay(5*time.Millisecond),
		agent.WithUnknownTaskDelay(5*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return New(srv)
}

func timeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestCallRoundTrip(t *testing.T) {
	b := startAgent(t, agent.Builtins(agent.NewInstrument(1)))

	v, err := b.Call(timeout(t, 5*time.Second), "add", 2, 3)
	require.NoError(t, err)
	assert.JSONEq(t, "5", string(v))

	payload := map[string]any{"nested": []any{1.5, "x", nil, true}}
	v, err = b.Call(timeout(t, 5*time.Second), "echo", payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"nested":[1.5,"x",null,true]}`, string(v))
}

func TestEchoRoundTrip(t *testing.T) {
	b := startAgent(t, agent.Builtins(agent.NewInstrument(1)))

	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "negative integer", value: -7, want: `-7`},
		{name: "negative float", value: -0.25, want: `-0.25`},
		{name: "empty list", value: []any{}, want: `[]`},
		{name: "empty map", value: map[string]any{}, want: `{}`},
		{name: "empty string", value: "", want: `""`},
		{name: "null", value: nil, want: `null`},
		{
			name: "deeply nested",
			value: map[string]any{
				"a": []any{[]any{[]any{}}, map[string]any{"b": []any{-1, 2.5, "c", nil, false}}},
				"d": map[string]any{"e": map[string]any{"f": []any{map[string]any{}}}},
			},
			want: `{"a":[[[]],{"b":[-1,2.5,"c",null,false]}],"d":{"e":{"f":[{}]}}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := b.Call(timeout(t, 5*time.Second), "echo", tt.value)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(v))
		})
	}
}

func TestCallAs(t *testing.T) {
	b := startAgent(t, agent.Builtins(agent.NewInstrument(1)))

	sum, err := CallAs[float64](timeout(t, 5*time.Second), b, "add", 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 6.0, sum)

	_, err = CallAs[float64](timeout(t, 5*time.Second), b, "add", "nope")
	var fault *FaultError
	require.True(t, errors.As(err, &fault), "got %v", err)
	assert.Equal(t, "add", fault.Task)
	assert.Contains(t, fault.Message, "argument 0")

	_, err = CallAs[int](timeout(t, 5*time.Second), b, "echo", "text")
	assert.ErrorContains(t, err, "decode echo result")
}

func TestUnknownTaskBlocksOnlyItsCaller(t *testing.T) {
	b := startAgent(t, agent.Builtins(agent.NewInstrument(1)))

	_, err := b.Call(timeout(t, 200*time.Millisecond), "calibrate")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	v, err := b.Call(timeout(t, 5*time.Second), "echo", "still alive")
	require.NoError(t, err)
	assert.JSONEq(t, `"still alive"`, string(v))
}

func TestConcurrentCallersGetTheirOwnResults(t *testing.T) {
	b := startAgent(t, agent.Builtins(agent.NewInstrument(1)))

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("caller-%d", i)
			got, err := CallAs[string](timeout(t, 10*time.Second), b, "echo", want)
			if err != nil {
				errs <- err
				return
			}
			if got != want {
				errs <- fmt.Errorf("caller %d got %q", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSequenceDoesNotInterleave(t *testing.T) {
	var active atomic.Int32
	var overlaps atomic.Int32
	table := agent.Builtins(agent.NewInstrument(1))
	b := startAgent(t, table)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := b.Sequence(timeout(t, 10*time.Second), func(ctx context.Context) error {
				if active.Add(1) > 1 {
					overlaps.Add(1)
				}
				defer active.Add(-1)
				if _, err := b.Call(ctx, "send_mask", []int{i, i}); err != nil {
					return err
				}
				_, err := b.Call(ctx, "read_acf", "")
				return err
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, overlaps.Load())
}

func TestSequenceRespectsContext(t *testing.T) {
	b := New(dispatch.New(queue.New()))
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = b.Sequence(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	err := b.Sequence(timeout(t, 20*time.Millisecond), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallRejectsEmptyName(t *testing.T) {
	b := New(dispatch.New(queue.New()))
	_, err := b.Call(context.Background(), "")
	assert.ErrorIs(t, err, queue.ErrEmptyName)
}

func TestIsFault(t *testing.T) {
	msg, ok := IsFault(json.RawMessage(`"error: division by zero"`))
	assert.True(t, ok)
	assert.Equal(t, "division by zero", msg)

	_, ok = IsFault(json.RawMessage(`"fine"`))
	assert.False(t, ok)
	_, ok = IsFault(json.RawMessage(`{"error":"x"}`))
	assert.False(t, ok)
}
