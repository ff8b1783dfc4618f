package maskenv

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PrzemekSekula/laser-train/internal/agent"
	"github.com/PrzemekSekula/laser-train/internal/bridge"
	"github.com/PrzemekSekula/laser-train/internal/dispatch"
	"github.com/PrzemekSekula/laser-train/internal/log"
	"github.com/PrzemekSekula/laser-train/internal/protocol"
	"github.com/PrzemekSekula/laser-train/internal/queue"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type localTransport struct{ srv *dispatch.Server }

func (l localTransport) Exchange(ctx context.Context, req protocol.Request) (protocol.Directive, error) {
	return l.srv.Handle(ctx, req)
}

func newEnv(t *testing.T, table agent.Table) *Env {
	t.Helper()
	srv := dispatch.New(queue.New(), dispatch.WithDefaultWait(5*time.Millisecond))
	a := agent.New(localTransport{srv}, table, agent.WithRetryDelay(5*time.Millisecond))

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
	return New(bridge.New(srv))
}

func TestStepSendsMaskThenReads(t *testing.T) {
	inst := agent.NewInstrument(3)
	env := newEnv(t, agent.Builtins(inst))
	assert.Equal(t, 0.0, env.Reset())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	action := RandomAction(rand.New(rand.NewPCG(1, 2)))
	step, err := env.Step(ctx, action)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, step.Observation, 0.0)
	assert.LessOrEqual(t, step.Observation, 100.0)
	assert.Equal(t, action, step.Action)
	assert.Equal(t, 1, env.Steps())

	var sent []int
	require.NoError(t, json.Unmarshal(inst.LastMask(), &sent))
	assert.Equal(t, action, sent)
	masks, readings := inst.Counts()
	assert.Equal(t, 1, masks)
	assert.Equal(t, 1, readings)
}

func TestStepRejectsBadAction(t *testing.T) {
	env := New(bridge.New(dispatch.New(queue.New())))

	_, err := env.Step(context.Background(), []int{1, 2})
	assert.ErrorContains(t, err, "want 20")

	bad := make([]int, ActionSize)
	bad[3] = MaxLevel + 1
	_, err = env.Step(context.Background(), bad)
	assert.ErrorContains(t, err, "action[3]")
}

func TestStepSurfacesFaults(t *testing.T) {
	table := agent.Table{
		"send_mask": func(context.Context, agent.Args) (any, error) { return nil, errors.New("modulator offline") },
		"read_acf":  func(context.Context, agent.Args) (any, error) { return 1, nil },
	}
	env := newEnv(t, table)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := env.Step(ctx, make([]int, ActionSize))
	var fault *bridge.FaultError
	require.True(t, errors.As(err, &fault), "got %v", err)
	assert.Equal(t, "send_mask", fault.Task)
	assert.Equal(t, "modulator offline", fault.Message)
	assert.Equal(t, 0, env.Steps())
}

func TestRandomActionInRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	for i := 0; i < 50; i++ {
		assert.NoError(t, validate(RandomAction(rng)))
	}
}
