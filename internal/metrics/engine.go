package metrics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/saveenergy/latbench/internal/logging"
	"github.com/saveenergy/latbench/pkg/errors"
	"github.com/saveenergy/latbench/pkg/types"
)

// LogStore is the append-only log table the engine writes to.
type LogStore interface {
	InsertLog(ctx context.Context, rec types.LogRecord) (uint64, error)
	LastLog(ctx context.Context) (*types.LogRecord, error)
}

// IngestObserver is told about every stored record.
type IngestObserver interface {
	ObserveLog(rec types.LogRecord)
}

// Engine timestamps probes and derives latency and jitter. A single mutex
// covers the clock read, the insert and the tail update, so "previous record"
// always means the previous insert in global order.
type Engine struct {
	store    LogStore
	clock    func() time.Time
	observer IngestObserver
	logger   *logging.Logger

	mu      sync.Mutex
	tail    types.LogRecord
	hasTail bool
}

type EngineOption func(*Engine)

func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

func WithObserver(o IngestObserver) EngineOption {
	return func(e *Engine) { e.observer = o }
}

func NewEngine(store LogStore, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		clock:  time.Now,
		logger: logging.NewLogger("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SeedTail loads the newest stored record as the jitter reference. Call it
// once at startup, before the first Ingest, when reopening a database.
func (e *Engine) SeedTail(ctx context.Context) error {
	last, err := e.store.LastLog(ctx)
	if err != nil {
		return fmt.Errorf("seed tail: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if last == nil {
		e.hasTail = false
		return nil
	}
	e.tail = *last
	e.hasTail = true
	e.logger.Info("tail seeded",
		logging.Field{Key: "id", Value: last.ID},
		logging.Field{Key: "latency", Value: last.Latency})
	return nil
}

// Tail returns the most recently stored record.
func (e *Engine) Tail() (types.LogRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tail, e.hasTail
}

// Ingest stores one probe. sent is the client's send time in Unix seconds.
func (e *Engine) Ingest(ctx context.Context, sent float64, underLoad bool) (types.LogRecord, error) {
	if math.IsNaN(sent) || math.IsInf(sent, 0) {
		return types.LogRecord{}, errors.InvalidProbe(fmt.Sprintf("sent must be finite, got %v", sent))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := types.LogRecord{
		Sent:      sent,
		Received:  types.UnixSeconds(e.clock()),
		UnderLoad: underLoad,
	}
	if e.hasTail {
		rec.Latency = math.Abs(rec.Received - rec.Sent)
		if e.tail.Latency != 0 {
			rec.Jitter = math.Abs(rec.Latency - e.tail.Latency)
		}
	}

	id, err := e.store.InsertLog(ctx, rec)
	if err != nil {
		return types.LogRecord{}, fmt.Errorf("ingest: %w", err)
	}
	rec.ID = id
	e.tail = rec
	e.hasTail = true

	if e.observer != nil {
		e.observer.ObserveLog(rec)
	}
	e.logger.Debug("probe ingested",
		logging.Field{Key: "id", Value: rec.ID},
		logging.Field{Key: "latency", Value: rec.Latency},
		logging.Field{Key: "jitter", Value: rec.Jitter},
		logging.Field{Key: "under_load", Value: rec.UnderLoad})
	return rec, nil
}
