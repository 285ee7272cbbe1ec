// Package payload owns the lifecycle of synthetic load-phase payloads: each
// one is stored together with a zero-delay pending deletion and removed by
// the reaper shortly after.
package payload

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saveenergy/latbench/internal/logging"
	"github.com/saveenergy/latbench/internal/reaper"
	"github.com/saveenergy/latbench/internal/store"
	"github.com/saveenergy/latbench/pkg/errors"
	"github.com/saveenergy/latbench/pkg/types"
)

// DefaultMaxInts bounds a single payload. The stock client sends 5120.
const DefaultMaxInts = 64 * 1024

// Reap outcomes reported to observers.
const (
	OutcomeDeleted  = "deleted"
	OutcomeMissing  = "missing"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type Store interface {
	InsertPayload(ctx context.Context, data []int32, scheduledAt time.Time) (types.PendingDeletion, error)
	ConsumeDeletion(ctx context.Context, deletionID uint64) (store.ReapOutcome, error)
	DueDeletions(ctx context.Context, now time.Time, limit int) ([]types.PendingDeletion, error)
}

// Scheduler receives tasks once their rows are committed.
type Scheduler interface {
	Schedule(task reaper.Task) bool
}

type Observer interface {
	ObservePayload(ints int)
	ObserveReap(outcome string)
}

type Stats struct {
	Submitted int64 `json:"submitted"`
	Deleted   int64 `json:"deleted"`
	Missing   int64 `json:"missing"`
	Rejected  int64 `json:"rejected"`
	Failed    int64 `json:"failed"`
}

type Manager struct {
	store    Store
	clock    func() time.Time
	maxInts  int
	observer Observer
	logger   *logging.Logger

	mu        sync.RWMutex
	scheduler Scheduler

	submitted atomic.Int64
	deleted   atomic.Int64
	missing   atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
}

type Option func(*Manager)

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithMaxInts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxInts = n
		}
	}
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

func NewManager(st Store, opts ...Option) *Manager {
	m := &Manager{
		store:   st,
		clock:   time.Now,
		maxInts: DefaultMaxInts,
		logger:  logging.NewLogger("payload"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetScheduler wires the reaper. The reaper in turn uses the manager as its
// Handler and Source, so one of them has to be set after construction.
func (m *Manager) SetScheduler(s Scheduler) {
	m.mu.Lock()
	m.scheduler = s
	m.mu.Unlock()
}

// Submit stores data with a pending deletion due now and hands the deletion
// to the scheduler. It returns the payload id. An empty payload is stored
// and reaped like any other.
func (m *Manager) Submit(ctx context.Context, data []int32) (uint64, error) {
	if len(data) > m.maxInts {
		return 0, errors.InvalidPayload(fmt.Sprintf("payload has %d ints, limit %d", len(data), m.maxInts))
	}

	pd, err := m.store.InsertPayload(ctx, data, m.clock())
	if err != nil {
		return 0, fmt.Errorf("submit payload: %w", err)
	}
	m.submitted.Add(1)
	if m.observer != nil {
		m.observer.ObservePayload(len(data))
	}

	m.mu.RLock()
	s := m.scheduler
	m.mu.RUnlock()
	if s != nil {
		s.Schedule(taskFor(pd))
	}
	return pd.PayloadID, nil
}

// Reap runs one deletion. Only the system principal may run it; any other
// caller is ignored. Missing rows are not errors and failures are only
// logged.
func (m *Manager) Reap(ctx context.Context, caller types.Identity, task reaper.Task) {
	if caller != types.SystemIdentity {
		m.rejected.Add(1)
		m.observe(OutcomeRejected)
		m.logger.Debug("deletion worker call ignored",
			logging.Field{Key: "caller", Value: caller},
			logging.Field{Key: "deletion_id", Value: task.ID})
		return
	}

	out, err := m.store.ConsumeDeletion(ctx, task.ID)
	switch {
	case err != nil:
		m.failed.Add(1)
		m.observe(OutcomeFailed)
		m.logger.Warn("payload deletion failed",
			logging.Field{Key: "deletion_id", Value: task.ID},
			logging.Field{Key: "payload_id", Value: task.Key},
			logging.Field{Key: "error", Value: err})
	case out.PayloadDeleted:
		m.deleted.Add(1)
		m.observe(OutcomeDeleted)
	default:
		m.missing.Add(1)
		m.observe(OutcomeMissing)
	}
}

// DueTasks lists stored pending deletions that are due.
func (m *Manager) DueTasks(ctx context.Context, now time.Time, limit int) ([]reaper.Task, error) {
	due, err := m.store.DueDeletions(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	tasks := make([]reaper.Task, 0, len(due))
	for _, pd := range due {
		tasks = append(tasks, taskFor(pd))
	}
	return tasks, nil
}

func (m *Manager) Stats() Stats {
	return Stats{
		Submitted: m.submitted.Load(),
		Deleted:   m.deleted.Load(),
		Missing:   m.missing.Load(),
		Rejected:  m.rejected.Load(),
		Failed:    m.failed.Load(),
	}
}

func (m *Manager) observe(outcome string) {
	if m.observer != nil {
		m.observer.ObserveReap(outcome)
	}
}

func taskFor(pd types.PendingDeletion) reaper.Task {
	return reaper.Task{ID: pd.ID, Key: pd.PayloadID, DueAt: pd.ScheduledAt}
}
