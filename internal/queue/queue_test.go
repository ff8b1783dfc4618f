package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestSubmitTakeNextFIFO(t *testing.T) {
	q := New()

	h1, err := q.Submit("send_mask", []json.RawMessage{raw("1")})
	require.NoError(t, err)
	h2, err := q.Submit("read_acf", []json.RawMessage{raw(`""`)})
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID(), h2.ID())
	assert.Equal(t, 2, q.Depth())
	assert.Equal(t, StateQueued, h1.State())

	d, ok := q.TakeNext()
	require.True(t, ok)
	assert.Equal(t, h1.ID(), d.Task.ID)
	assert.Equal(t, "send_mask", d.Task.Name)
	assert.Equal(t, StateDispatched, h1.State())

	res := q.Resolve(d.Task.ID, raw("null"))
	assert.Equal(t, OutcomeResolved, res.Outcome)

	d, ok = q.TakeNext()
	require.True(t, ok)
	assert.Equal(t, h2.ID(), d.Task.ID)
	assert.Empty(t, d.Dropped)

	_, ok = q.TakeNext()
	assert.False(t, ok)
}

func TestSubmitRejectsEmptyName(t *testing.T) {
	q := New()
	_, err := q.Submit("", nil)
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestSubmitNilArgsBecomeEmpty(t *testing.T) {
	q := New()
	h, err := q.Submit("read_acf", nil)
	require.NoError(t, err)
	assert.NotNil(t, h.Task().Args)
	assert.Len(t, h.Task().Args, 0)
}

func TestReservedTaskIsHiddenUntilPushed(t *testing.T) {
	q := New()
	h, err := q.Reserve("add", []json.RawMessage{raw("1")})
	require.NoError(t, err)
	assert.Equal(t, 0, q.Depth())
	assert.Zero(t, q.Stats().Submitted)

	_, ok := q.TakeNext()
	assert.False(t, ok)

	q.Push(h)
	assert.Equal(t, 1, q.Depth())
	d, ok := q.TakeNext()
	require.True(t, ok)
	assert.Equal(t, h.ID(), d.Task.ID)
	assert.Empty(t, d.Dropped)
}

func TestTakeNextIsNeverDuplicated(t *testing.T) {
	q := New()
	const n = 500
	for i := 0; i < n; i++ {
		_, err := q.Submit("echo", []json.RawMessage{raw(fmt.Sprint(i))})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, ok := q.TakeNext()
				if !ok {
					return
				}
				mu.Lock()
				seen[d.Task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "task %s delivered %d times", id, c)
	}
}

func TestResolveWithoutTaskIDUsesFIFO(t *testing.T) {
	q := New()
	h, _ := q.Submit("add", []json.RawMessage{raw("2"), raw("3")})

	_, ok := q.TakeNext()
	require.True(t, ok)

	res := q.Resolve("", raw("5"))
	assert.Equal(t, OutcomeResolved, res.Outcome)
	assert.Equal(t, h.ID(), res.Task.ID)

	v, resolved := h.Value()
	assert.True(t, resolved)
	assert.JSONEq(t, "5", string(v))
}

func TestResolveOrphaned(t *testing.T) {
	q := New()

	res := q.Resolve("", raw("1"))
	assert.Equal(t, OutcomeOrphaned, res.Outcome)

	h, _ := q.Submit("add", nil)
	res = q.Resolve("not-dispatched", raw("1"))
	assert.Equal(t, OutcomeOrphaned, res.Outcome)

	// A queued but undispatched task is not resolvable.
	res = q.Resolve(h.ID(), raw("1"))
	assert.Equal(t, OutcomeOrphaned, res.Outcome)
	_, resolved := h.Value()
	assert.False(t, resolved)

	assert.Equal(t, uint64(3), q.Stats().Orphaned)
}

func TestResolveTwiceIsNoop(t *testing.T) {
	q := New()
	h, _ := q.Submit("echo", []json.RawMessage{raw(`"a"`)})
	d, _ := q.TakeNext()

	assert.Equal(t, OutcomeResolved, q.Resolve(d.Task.ID, raw(`"a"`)).Outcome)
	assert.Equal(t, OutcomeDuplicate, q.Resolve(d.Task.ID, raw(`"b"`)).Outcome)

	v, _ := h.Value()
	assert.JSONEq(t, `"a"`, string(v))
	assert.Equal(t, uint64(1), q.Stats().Resolved)
}

func TestUnreportedTaskIsDroppedOnNextTake(t *testing.T) {
	q := New()
	dropped, _ := q.Submit("unknown_fn", nil)

	d, ok := q.TakeNext()
	require.True(t, ok)
	assert.Equal(t, dropped.ID(), d.Task.ID)

	// Agent polls again without reporting.
	next, _ := q.Submit("add", []json.RawMessage{raw("2"), raw("3")})
	d, ok = q.TakeNext()
	require.True(t, ok)
	assert.Equal(t, next.ID(), d.Task.ID)
	require.Len(t, d.Dropped, 1)
	assert.Equal(t, dropped.ID(), d.Dropped[0].ID)
	assert.Equal(t, StateDropped, dropped.State())

	// A legacy report without id must go to the new task, not the dropped one.
	res := q.Resolve("", raw("5"))
	assert.Equal(t, OutcomeResolved, res.Outcome)
	assert.Equal(t, next.ID(), res.Task.ID)

	select {
	case <-dropped.Done():
		t.Fatal("dropped slot must never resolve")
	default:
	}
	assert.Equal(t, uint64(1), q.Stats().Dropped)
}

func TestEmptyPollDropsUnreportedTask(t *testing.T) {
	q := New()
	h, _ := q.Submit("unknown_fn", nil)
	_, ok := q.TakeNext()
	require.True(t, ok)

	d, ok := q.TakeNext()
	assert.False(t, ok)
	require.Len(t, d.Dropped, 1)
	assert.Equal(t, h.ID(), d.Dropped[0].ID)
	assert.Equal(t, 0, q.Stats().InFlight)
}

func TestAwaitReturnsResolvedValue(t *testing.T) {
	q := New()
	h, _ := q.Submit("add", []json.RawMessage{raw("2"), raw("3")})

	go func() {
		d, ok := q.TakeNext()
		if ok {
			q.Resolve(d.Task.ID, raw("5"))
		}
	}()

	v, err := q.Await(context.Background(), h)
	require.NoError(t, err)
	assert.JSONEq(t, "5", string(v))
}

func TestAwaitHonoursDeadline(t *testing.T) {
	q := New()
	h, _ := q.Submit("slow", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Await(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAbandon(t *testing.T) {
	q := New()
	h1, _ := q.Submit("a", nil)
	h2, _ := q.Submit("b", nil)

	assert.True(t, q.Abandon(h2))
	assert.Equal(t, StateAbandoned, h2.State())
	assert.Equal(t, 1, q.Depth())

	d, ok := q.TakeNext()
	require.True(t, ok)
	assert.Equal(t, h1.ID(), d.Task.ID)

	// Already dispatched.
	assert.False(t, q.Abandon(h1))
	assert.Equal(t, uint64(1), q.Stats().Abandoned)
}

func TestResultsResolveInSubmissionOrder(t *testing.T) {
	q := New()
	const n = 50
	handles := make([]*Handle, n)
	for i := range handles {
		h, err := q.Submit("echo", []json.RawMessage{raw(fmt.Sprint(i))})
		require.NoError(t, err)
		handles[i] = h
	}

	for {
		d, ok := q.TakeNext()
		if !ok {
			break
		}
		q.Resolve("", d.Task.Args[0])
	}

	for i, h := range handles {
		v, resolved := h.Value()
		require.True(t, resolved)
		assert.JSONEq(t, fmt.Sprint(i), string(v))
	}
}

func TestStats(t *testing.T) {
	q := New()
	q.Submit("a", nil)
	q.Submit("b", nil)
	q.TakeNext()

	s := q.Stats()
	assert.Equal(t, 1, s.Queued)
	assert.Equal(t, 1, s.InFlight)
	assert.Equal(t, uint64(2), s.Submitted)
	assert.Equal(t, uint64(1), s.Dispatched)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "resolved", OutcomeResolved.String())
	assert.Equal(t, "orphaned", OutcomeOrphaned.String())
	assert.Equal(t, "duplicate", OutcomeDuplicate.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}
