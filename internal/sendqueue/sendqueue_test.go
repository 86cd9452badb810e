package sendqueue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/clock"
)

type recorder struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recorder) send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, string(data))
	return r.err
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func newTestQueue(limit int) (*Queue, *recorder, *clock.FakeClock) {
	rec := &recorder{}
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := New(Config{Limit: limit, Window: time.Minute}, rec.send, clk, nil)
	return q, rec, clk
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Equal(t, 120, cfg.Limit)
	assert.Equal(t, 60*time.Second, cfg.Window)
}

func TestSendsImmediatelyWithinWindow(t *testing.T) {
	t.Parallel()

	q, rec, _ := newTestQueue(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue([]byte(fmt.Sprint(i)), false))
	}

	assert.Equal(t, []string{"0", "1", "2"}, rec.snapshot())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Remaining())
}

func TestWindowBoundary(t *testing.T) {
	t.Parallel()

	const k = 5
	q, rec, clk := newTestQueue(k)
	for i := 0; i < k+3; i++ {
		require.NoError(t, q.Enqueue([]byte(fmt.Sprint(i)), false))
	}

	require.Len(t, rec.snapshot(), k, "exactly K sends before the queue pauses")
	assert.Equal(t, 3, q.Len())

	clk.Advance(time.Minute - time.Millisecond)
	assert.Len(t, rec.snapshot(), k, "no send before the window resets")

	clk.Advance(time.Millisecond)
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7"}, rec.snapshot())
	assert.Equal(t, 0, q.Len())
}

func TestImportantJumpsQueue(t *testing.T) {
	t.Parallel()

	q, rec, clk := newTestQueue(1)
	require.NoError(t, q.Enqueue([]byte("filler"), false))

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue([]byte(fmt.Sprintf("n%d", i)), false))
	}
	require.NoError(t, q.Enqueue([]byte("heartbeat"), true))
	require.NoError(t, q.Enqueue([]byte("identify"), true))

	for i := 0; i < 6; i++ {
		clk.Advance(time.Minute)
	}

	assert.Equal(t, []string{"filler", "heartbeat", "identify", "n0", "n1", "n2", "n3"}, rec.snapshot())
}

func TestRateLimitedCallback(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		retries []time.Duration
		pending []int
	)
	rec := &recorder{}
	clk := clock.NewFake(time.Now())
	q := New(Config{
		Limit:  1,
		Window: time.Second,
		OnRateLimited: func(retryAfter time.Duration, n int) {
			mu.Lock()
			defer mu.Unlock()
			retries = append(retries, retryAfter)
			pending = append(pending, n)
		},
	}, rec.send, clk, nil)

	require.NoError(t, q.Enqueue([]byte("a"), false))
	require.NoError(t, q.Enqueue([]byte("b"), false))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{time.Second}, retries)
	assert.Equal(t, []int{1}, pending)
}

func TestSendErrorDoesNotStopDrain(t *testing.T) {
	t.Parallel()

	rec := &recorder{err: errors.New("broken pipe")}
	var errs []error
	q := New(Config{Limit: 10, Window: time.Second, OnError: func(err error) {
		errs = append(errs, err)
	}}, rec.send, clock.NewFake(time.Now()), nil)

	require.NoError(t, q.Enqueue([]byte("a"), false))
	require.NoError(t, q.Enqueue([]byte("b"), false))

	assert.Equal(t, []string{"a", "b"}, rec.snapshot())
	assert.Len(t, errs, 2)
}

func TestResetRestoresWindow(t *testing.T) {
	t.Parallel()

	q, rec, clk := newTestQueue(1)
	require.NoError(t, q.Enqueue([]byte("a"), false))
	require.NoError(t, q.Enqueue([]byte("stale"), false))
	require.Equal(t, 1, clk.Pending())

	q.Reset()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, q.Remaining())
	assert.Equal(t, 0, clk.Pending())

	require.NoError(t, q.Enqueue([]byte("identify"), true))
	clk.Advance(time.Hour)
	assert.Equal(t, []string{"a", "identify"}, rec.snapshot())
}

func TestCloseRejectsEnqueue(t *testing.T) {
	t.Parallel()

	q, rec, clk := newTestQueue(1)
	require.NoError(t, q.Enqueue([]byte("a"), false))
	require.NoError(t, q.Enqueue([]byte("b"), false))

	q.Close()
	err := q.Enqueue([]byte("c"), true)
	assert.ErrorIs(t, err, kephasgate.ErrQueueClosed)

	clk.Advance(time.Hour)
	assert.Equal(t, []string{"a"}, rec.snapshot())
}

func TestConcurrentEnqueuePreservesPerProducerOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	q := New(Config{Limit: 1000, Window: time.Second}, rec.send, clock.NewFake(time.Now()), nil)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = q.Enqueue([]byte(fmt.Sprintf("%d:%03d", p, i)), false)
			}
		}(p)
	}
	wg.Wait()

	sent := rec.snapshot()
	require.Len(t, sent, 200)
	last := map[byte]string{}
	for _, s := range sent {
		prev, ok := last[s[0]]
		if ok {
			assert.Less(t, prev, s)
		}
		last[s[0]] = s
	}
}
