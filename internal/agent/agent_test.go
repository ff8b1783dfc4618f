package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PrzemekSekula/laser-train/internal/agent/mocks"
	"github.com/PrzemekSekula/laser-train/internal/log"
	"github.com/PrzemekSekula/laser-train/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

// stop cancels the run loop from inside an expected exchange.
func stop(cancel context.CancelFunc) func(context.Context, protocol.Request) (protocol.Directive, error) {
	return func(context.Context, protocol.Request) (protocol.Directive, error) {
		cancel()
		return protocol.Directive{}, context.Canceled
	}
}

func newTestAgent(t *testing.T, table Table) (*Agent, *mocks.MockTransport, *sleepRecorder) {
	t.Helper()
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	rec := &sleepRecorder{}
	a := New(transport, table,
		WithRetryDelay(5*time.Second),
		WithUnknownTaskDelay(time.Second),
		WithSleep(rec.sleep),
	)
	return a, transport, rec
}

func TestRunRetriesUntilValidResponse(t *testing.T) {
	a, transport, rec := newTestAgent(t, Builtins(NewInstrument(1)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failure := errors.New("connection refused")
	gomock.InOrder(
		transport.EXPECT().Exchange(gomock.Any(), protocol.Query()).Return(protocol.Directive{}, failure).Times(3),
		transport.EXPECT().Exchange(gomock.Any(), protocol.Query()).
			Return(protocol.Execute("t1", "add", []json.RawMessage{raw("2"), raw("3")}), nil),
		transport.EXPECT().Exchange(gomock.Any(), protocol.Response("t1", raw("5"))).DoAndReturn(stop(cancel)),
	)

	require.NoError(t, a.Run(ctx))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, rec.recorded())
}

func TestRunRetriesReportWithSameResult(t *testing.T) {
	a, transport, _ := newTestAgent(t, Builtins(NewInstrument(1)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	report := protocol.Response("t1", raw(`"hi"`))
	gomock.InOrder(
		transport.EXPECT().Exchange(gomock.Any(), protocol.Query()).
			Return(protocol.Execute("t1", "echo", []json.RawMessage{raw(`"hi"`)}), nil),
		transport.EXPECT().Exchange(gomock.Any(), report).Return(protocol.Directive{}, errors.New("502 bad gateway")).Times(2),
		transport.EXPECT().Exchange(gomock.Any(), report).DoAndReturn(stop(cancel)),
	)

	require.NoError(t, a.Run(ctx))
}

func TestRunWaitsThenPolls(t *testing.T) {
	a, transport, rec := newTestAgent(t, Table{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		transport.EXPECT().Exchange(gomock.Any(), protocol.Query()).Return(protocol.Wait(2), nil),
		transport.EXPECT().Exchange(gomock.Any(), protocol.Query()).DoAndReturn(stop(cancel)),
	)

	require.NoError(t, a.Run(ctx))
	assert.Equal(t, []time.Duration{2 * time.Second}, rec.recorded())
}

func TestRunSkipsUnknownTaskWithoutReporting(t *testing.T) {
	a, transport, rec := newTestAgent(t, Table{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		transport.EXPECT().Exchange(gomock.Any(), protocol.Query()).
			Return(protocol.Execute("t1", "calibrate", nil), nil),
		// The next exchange is a fresh poll, never a report.
		transport.EXPECT().Exchange(gomock.Any(), protocol.Query()).DoAndReturn(stop(cancel)),
	)

	require.NoError(t, a.Run(ctx))
	assert.Equal(t, []time.Duration{time.Second}, rec.recorded())
}

func TestRunPollsAgainAfterUnrecognisedDirective(t *testing.T) {
	a, transport, rec := newTestAgent(t, Table{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		transport.EXPECT().Exchange(gomock.Any(), protocol.Query()).Return(protocol.Directive{}, nil),
		transport.EXPECT().Exchange(gomock.Any(), protocol.Query()).DoAndReturn(stop(cancel)),
	)

	require.NoError(t, a.Run(ctx))
	assert.Equal(t, []time.Duration{5 * time.Second}, rec.recorded())
}

func TestRunActsOnPiggybackedDirective(t *testing.T) {
	a, transport, rec := newTestAgent(t, Builtins(NewInstrument(1)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		transport.EXPECT().Exchange(gomock.Any(), protocol.Query()).
			Return(protocol.Execute("a", "add", []json.RawMessage{raw("1"), raw("1")}), nil).Times(1),
		transport.EXPECT().Exchange(gomock.Any(), protocol.Response("a", raw("2"))).
			Return(protocol.Execute("b", "echo", []json.RawMessage{raw(`{"k":[1,2]}`)}), nil),
		transport.EXPECT().Exchange(gomock.Any(), protocol.Response("b", raw(`{"k":[1,2]}`))).DoAndReturn(stop(cancel)),
	)

	require.NoError(t, a.Run(ctx))
	assert.Empty(t, rec.recorded(), "no waits between piggybacked tasks")
}

func TestRunContainsTaskFaults(t *testing.T) {
	table := Table{
		"fail":  func(context.Context, Args) (any, error) { return nil, errors.New("boom") },
		"panic": func(context.Context, Args) (any, error) { panic("kaboom") },
		"chan":  func(context.Context, Args) (any, error) { return make(chan int), nil },
	}
	a, transport, _ := newTestAgent(t, table)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		transport.EXPECT().Exchange(gomock.Any(), protocol.Query()).Return(protocol.Execute("1", "fail", nil), nil),
		transport.EXPECT().Exchange(gomock.Any(), protocol.Response("1", raw(`"error: boom"`))).
			Return(protocol.Execute("2", "panic", nil), nil),
		transport.EXPECT().Exchange(gomock.Any(), protocol.Response("2", raw(`"error: panic: kaboom"`))).
			Return(protocol.Execute("3", "chan", nil), nil),
		transport.EXPECT().Exchange(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req protocol.Request) (protocol.Directive, error) {
				var s string
				require.NoError(t, json.Unmarshal(req.Result, &s))
				assert.Contains(t, s, "error: encode result")
				cancel()
				return protocol.Directive{}, context.Canceled
			}),
	)

	require.NoError(t, a.Run(ctx))
}

func TestRunStopsDuringRetrySleep(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	ctx, cancel := context.WithCancel(context.Background())

	transport.EXPECT().Exchange(gomock.Any(), protocol.Query()).Return(protocol.Directive{}, errors.New("down")).Times(1)
	a := New(transport, Table{}, WithRetryDelay(time.Hour), WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	assert.NoError(t, a.Run(ctx))
}

func TestSleepCtx(t *testing.T) {
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
