// Package sendqueue throttles the commands a shard sends to the gateway.
//
// The remote closes connections that exceed a fixed number of commands per
// window, so every outbound payload goes through a Queue. Important
// payloads (heartbeats, identify, resume) jump ahead of ordinary ones;
// payloads of equal importance keep their submission order.
package sendqueue

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/clock"
)

// Config defines the send window of one connection.
type Config struct {
	// Limit is the number of sends allowed per window.
	Limit int
	// Window is the length of one rate-limit window.
	Window time.Duration
	// OnRateLimited is called, outside the queue lock, each time the
	// window is exhausted while payloads are still pending.
	OnRateLimited func(retryAfter time.Duration, pending int)
	// OnError is called when the send function fails. The queue keeps
	// draining.
	OnError func(err error)
}

// DefaultConfig returns the gateway's documented limit: 120 commands per
// 60 seconds.
func DefaultConfig() Config {
	return Config{
		Limit:  120,
		Window: 60 * time.Second,
	}
}

type entry struct {
	data      []byte
	important bool
}

// Queue is a FIFO send queue gated by a fixed window.
type Queue struct {
	cfg    Config
	send   func([]byte) error
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	items     []entry
	important int // number of important entries at the head of items
	remaining int
	reset     clock.Timer
	draining  bool
	closed    bool
}

// New creates a queue that transmits through send.
func New(cfg Config, send func([]byte) error, clk clock.Clock, logger *zap.Logger) *Queue {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultConfig().Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:       cfg,
		send:      send,
		clock:     clk,
		logger:    logger,
		remaining: cfg.Limit,
	}
}

// Enqueue adds data to the queue and drains as much as the current window
// allows. Important entries are placed after the important entries already
// queued and before every ordinary entry.
func (q *Queue) Enqueue(data []byte, important bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return kephasgate.ErrQueueClosed
	}
	e := entry{data: data, important: important}
	if important {
		q.items = append(q.items, entry{})
		copy(q.items[q.important+1:], q.items[q.important:])
		q.items[q.important] = e
		q.important++
	} else {
		q.items = append(q.items, e)
	}
	q.mu.Unlock()

	q.drain()
	return nil
}

// drain transmits entries until the queue is empty or the window is
// exhausted. Only one goroutine drains at a time; concurrent callers
// return immediately and their entries are picked up by the active drain.
func (q *Queue) drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true

	for !q.closed && len(q.items) > 0 {
		if q.remaining == 0 {
			pending := len(q.items)
			q.armResetLocked()
			q.draining = false
			q.mu.Unlock()

			q.logger.Debug("send window exhausted",
				zap.Int("pending", pending),
				zap.Duration("retry_after", q.cfg.Window))
			if q.cfg.OnRateLimited != nil {
				q.cfg.OnRateLimited(q.cfg.Window, pending)
			}
			return
		}

		e := q.items[0]
		q.items[0] = entry{}
		q.items = q.items[1:]
		if e.important {
			q.important--
		}
		q.remaining--
		if q.remaining == 0 {
			q.armResetLocked()
		}
		q.mu.Unlock()

		if err := q.send(e.data); err != nil {
			q.logger.Warn("send failed", zap.Error(err))
			if q.cfg.OnError != nil {
				q.cfg.OnError(err)
			}
		}

		q.mu.Lock()
	}

	q.draining = false
	q.mu.Unlock()
}

// armResetLocked schedules the single window reset timer. Must be called
// with q.mu held.
func (q *Queue) armResetLocked() {
	if q.reset != nil {
		return
	}
	var timer clock.Timer
	timer = q.clock.AfterFunc(q.cfg.Window, func() {
		q.mu.Lock()
		if q.reset != timer {
			q.mu.Unlock()
			return
		}
		q.reset = nil
		q.remaining = q.cfg.Limit
		q.mu.Unlock()
		q.drain()
	})
	q.reset = timer
}

// Reset drops every pending entry, restores the full window and cancels
// the reset timer. A shard calls it whenever it opens a new socket.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.important = 0
	q.remaining = q.cfg.Limit
	if q.reset != nil {
		q.reset.Stop()
		q.reset = nil
	}
}

// Close drops pending entries and rejects further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	q.important = 0
	if q.reset != nil {
		q.reset.Stop()
		q.reset = nil
	}
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remaining returns the number of sends left in the current window.
func (q *Queue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remaining
}
