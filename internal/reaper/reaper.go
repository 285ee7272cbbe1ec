// Package reaper runs deferred deletion tasks. It knows nothing about the
// entities being deleted: a Handler does the work and an optional Source lets
// the reaper rediscover tasks it never saw or dropped.
package reaper

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saveenergy/latbench/internal/logging"
	"github.com/saveenergy/latbench/pkg/types"
)

// Task is one scheduled deletion. ID identifies the task itself, Key the
// entity it targets.
type Task struct {
	ID    uint64
	Key   uint64
	DueAt time.Time
}

// Handler executes a due task. It runs on the reaper goroutine and must be
// idempotent: a task may be delivered more than once.
type Handler interface {
	Reap(ctx context.Context, caller types.Identity, task Task)
}

// Source lists tasks that are due, typically from persistent storage.
type Source interface {
	DueTasks(ctx context.Context, now time.Time, limit int) ([]Task, error)
}

type Stats struct {
	Scheduled  int64 `json:"scheduled"`
	Fired      int64 `json:"fired"`
	Duplicates int64 `json:"duplicates"`
	Dropped    int64 `json:"dropped"`
	Pending    int   `json:"pending"`
}

const (
	defaultQueueSize     = 4096
	defaultSweepInterval = 5 * time.Second
)

type Reaper struct {
	handler       Handler
	source        Source
	clock         func() time.Time
	queueSize     int
	sweepInterval time.Duration
	logger        *logging.Logger

	mu     sync.Mutex
	queue  taskHeap
	queued map[uint64]struct{}

	wakeCh    chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once

	scheduled  atomic.Int64
	fired      atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
}

type Option func(*Reaper)

func WithSource(s Source) Option {
	return func(r *Reaper) { r.source = s }
}

func WithClock(clock func() time.Time) Option {
	return func(r *Reaper) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func WithQueueSize(n int) Option {
	return func(r *Reaper) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

func New(handler Handler, opts ...Option) *Reaper {
	r := &Reaper{
		handler:       handler,
		clock:         time.Now,
		queueSize:     defaultQueueSize,
		sweepInterval: defaultSweepInterval,
		logger:        logging.NewLogger("reaper"),
		queued:        make(map[uint64]struct{}),
		wakeCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Schedule queues a task. It returns false when the task is already queued
// or the queue is full; a Source sweep will pick dropped tasks up later.
func (r *Reaper) Schedule(task Task) bool {
	r.mu.Lock()
	if _, ok := r.queued[task.ID]; ok {
		r.mu.Unlock()
		r.duplicates.Add(1)
		return false
	}
	if len(r.queue) >= r.queueSize {
		r.mu.Unlock()
		r.dropped.Add(1)
		r.logger.Warn("queue full, task left for sweep",
			logging.Field{Key: "task", Value: task.ID},
			logging.Field{Key: "queue_size", Value: r.queueSize})
		return false
	}
	r.queued[task.ID] = struct{}{}
	heap.Push(&r.queue, task)
	r.mu.Unlock()

	r.scheduled.Add(1)
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
	return true
}

// Start launches the worker. Calling it more than once has no effect.
func (r *Reaper) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run()
	})
}

// Stop halts the worker after firing every queued task that is already due.
// Tasks that are not yet due stay in their Source for the next process.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		// a later Start must not launch a worker
		r.startOnce.Do(func() {})
		close(r.stopCh)
		if r.started.Load() {
			<-r.doneCh
			return
		}
		r.fireDue(context.Background())
	})
}

func (r *Reaper) Stats() Stats {
	r.mu.Lock()
	pending := len(r.queue)
	r.mu.Unlock()
	return Stats{
		Scheduled:  r.scheduled.Load(),
		Fired:      r.fired.Load(),
		Duplicates: r.duplicates.Load(),
		Dropped:    r.dropped.Load(),
		Pending:    pending,
	}
}

func (r *Reaper) run() {
	defer close(r.doneCh)
	ctx := context.Background()

	r.sweep(ctx)

	sweepTicker := time.NewTicker(r.sweepInterval)
	defer sweepTicker.Stop()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		r.fireDue(ctx)
		r.resetTimer(timer)

		select {
		case <-r.stopCh:
			r.fireDue(ctx)
			return
		case <-r.wakeCh:
		case <-timer.C:
		case <-sweepTicker.C:
			r.sweep(ctx)
		}
	}
}

// resetTimer arms timer for the earliest queued task.
func (r *Reaper) resetTimer(timer *time.Timer) {
	wait := time.Hour
	r.mu.Lock()
	if len(r.queue) > 0 {
		wait = r.queue[0].DueAt.Sub(r.clock())
	}
	r.mu.Unlock()
	if wait < 0 {
		wait = 0
	}
	timer.Reset(wait)
}

func (r *Reaper) fireDue(ctx context.Context) {
	for {
		now := r.clock()
		r.mu.Lock()
		if len(r.queue) == 0 || r.queue[0].DueAt.After(now) {
			r.mu.Unlock()
			return
		}
		task := heap.Pop(&r.queue).(Task)
		r.mu.Unlock()

		r.handler.Reap(ctx, types.SystemIdentity, task)
		r.fired.Add(1)

		r.mu.Lock()
		delete(r.queued, task.ID)
		r.mu.Unlock()
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	if r.source == nil {
		return
	}
	tasks, err := r.source.DueTasks(ctx, r.clock(), r.queueSize)
	if err != nil {
		r.logger.Warn("sweep failed", logging.Field{Key: "error", Value: err})
		return
	}
	added := 0
	for _, task := range tasks {
		if r.Schedule(task) {
			added++
		}
	}
	if added > 0 {
		r.logger.Info("sweep recovered tasks", logging.Field{Key: "count", Value: added})
	}
}

type taskHeap []Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].ID < h[j].ID
	}
	return h[i].DueAt.Before(h[j].DueAt)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
