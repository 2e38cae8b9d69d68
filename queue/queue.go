// Package queue serialises commands per session. Each session gets one
// worker goroutine draining a FIFO, so two agents sharing a session can
// never interleave CDP commands on the same tab, while distinct sessions
// proceed in parallel.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/openchrome/cerr"
)

// DefaultTaskTimeout bounds a single queued command.
const DefaultTaskTimeout = 120 * time.Second

// Task is one unit of queued work.
type Task func(ctx context.Context) (any, error)

// Result is what a caller receives once its task ran (or was refused).
type Result struct {
	Value any
	Err   error
}

// Options configures a Manager.
type Options struct {
	TaskTimeout time.Duration // per-task deadline. Default: 120s.
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = DefaultTaskTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type item struct {
	name string
	task Task
	done chan Result // buffered, one send
}

type sessionQueue struct {
	mu      sync.Mutex
	pending []*item
	wake    chan struct{} // capacity 1
	running context.CancelFunc
	closed  bool
}

// Manager owns one FIFO per session, created lazily on first enqueue.
type Manager struct {
	opts Options

	mu     sync.Mutex
	queues map[string]*sessionQueue
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	opts.defaults()
	return &Manager{opts: opts, queues: make(map[string]*sessionQueue)}
}

// Enqueue schedules task on the session's FIFO and returns the channel the
// result will arrive on. The channel always receives exactly once.
func (m *Manager) Enqueue(session, name string, task Task) <-chan Result {
	it := &item{name: name, task: task, done: make(chan Result, 1)}

	m.mu.Lock()
	q := m.queues[session]
	if q == nil {
		q = &sessionQueue{wake: make(chan struct{}, 1)}
		m.queues[session] = q
		go m.work(session, q)
	}
	m.mu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		it.done <- Result{Err: cerr.New(cerr.KindQueueCancelled, "session %s queue closed", session)}
		return it.done
	}
	q.pending = append(q.pending, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return it.done
}

// Do enqueues task and blocks for its result or ctx cancellation. The task
// still runs to completion on cancellation; only the wait is abandoned.
func (m *Manager) Do(ctx context.Context, session, name string, task Task) (any, error) {
	select {
	case res := <-m.Enqueue(session, name, task):
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, cerr.Wrap(cerr.KindQueueCancelled, ctx.Err())
	}
}

// Clear rejects every pending task with queue.cancelled and interrupts the
// one currently running. Returns how many tasks were affected.
func (m *Manager) Clear(session string) int {
	m.mu.Lock()
	q := m.queues[session]
	m.mu.Unlock()
	if q == nil {
		return 0
	}

	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	cancel := q.running
	q.mu.Unlock()

	for _, it := range dropped {
		it.done <- Result{Err: cerr.New(cerr.KindQueueCancelled, "cleared before %s ran", it.name)}
	}
	n := len(dropped)
	if cancel != nil {
		cancel()
		n++
	}
	return n
}

// Close clears the session's queue and stops its worker. Safe to call for
// sessions that never enqueued.
func (m *Manager) Close(session string) {
	m.mu.Lock()
	q := m.queues[session]
	delete(m.queues, session)
	m.mu.Unlock()
	if q == nil {
		return
	}

	q.mu.Lock()
	q.closed = true
	dropped := q.pending
	q.pending = nil
	cancel := q.running
	q.mu.Unlock()

	for _, it := range dropped {
		it.done <- Result{Err: cerr.New(cerr.KindQueueCancelled, "session %s closed", session)}
	}
	if cancel != nil {
		cancel()
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Depth reports how many tasks are pending (not running) for a session.
func (m *Manager) Depth(session string) int {
	m.mu.Lock()
	q := m.queues[session]
	m.mu.Unlock()
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (m *Manager) work(session string, q *sessionQueue) {
	for {
		q.mu.Lock()
		if q.closed && len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		var it *item
		if len(q.pending) > 0 {
			it = q.pending[0]
			q.pending = q.pending[1:]
		}
		q.mu.Unlock()

		if it == nil {
			<-q.wake
			continue
		}
		m.run(session, q, it)
	}
}

// run executes one task under the per-task deadline. The deadline is
// enforced here, not trusted to the task: a task that ignores its context
// is abandoned at the deadline and its late result discarded, so the
// worker always advances on time. A panicking task poisons only its own
// result.
func (m *Manager) run(session string, q *sessionQueue, it *item) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TaskTimeout)
	q.mu.Lock()
	q.running = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.running = nil
		q.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	res := make(chan Result, 1)
	go func() { res <- m.safeRun(ctx, it) }()

	select {
	case r := <-res:
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			r = Result{Err: cerr.New(cerr.KindQueueTimeout, "%s exceeded %s", it.name, m.opts.TaskTimeout)}
		case ctx.Err() == context.Canceled:
			r = Result{Err: cerr.New(cerr.KindQueueCancelled, "%s interrupted by clear", it.name)}
		}
		it.done <- r
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			it.done <- Result{Err: cerr.New(cerr.KindQueueCancelled, "%s interrupted by clear", it.name)}
			return
		}
		it.done <- Result{Err: cerr.New(cerr.KindQueueTimeout, "%s exceeded %s", it.name, m.opts.TaskTimeout)}
		m.opts.Logger.Warn("queue: task abandoned at deadline",
			"session", session, "task", it.name, "elapsed", time.Since(start))
	}
}

func (m *Manager) safeRun(ctx context.Context, it *item) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: cerr.New(cerr.KindQueueCancelled, "%s panicked: %v", it.name, r)}
		}
	}()
	value, err := it.task(ctx)
	return Result{Value: value, Err: err}
}
