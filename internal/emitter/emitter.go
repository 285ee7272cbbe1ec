// Package emitter drives a benchmark run from the client side: a probe-only
// phase followed by a phase that adds synthetic media load.
package emitter

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saveenergy/latbench/internal/logging"
	"github.com/saveenergy/latbench/pkg/errors"
	"github.com/saveenergy/latbench/pkg/types"
)

// Sink receives what a run emits. Calls are fire-and-forget.
type Sink interface {
	AddLog(sent float64, underLoad bool)
	AddData(data []int32)
}

type Config struct {
	TotalDuration time.Duration
	PingInterval  time.Duration
	LoadInterval  time.Duration
	PayloadBytes  int
}

// DefaultConfig is a 4 minute run: 2 minutes of 5 Hz probes, then 2 minutes
// of ~15 Hz probes each paired with a 20 KiB payload.
func DefaultConfig() Config {
	return Config{
		TotalDuration: 4 * time.Minute,
		PingInterval:  200 * time.Millisecond,
		LoadInterval:  67 * time.Millisecond,
		PayloadBytes:  20 * 1024,
	}
}

func (c Config) Validate() error {
	if c.TotalDuration <= 0 {
		return errors.ErrInvalidConfig("total duration must be positive", nil)
	}
	half := c.TotalDuration / 2
	if c.PingInterval <= 0 || c.PingInterval >= half {
		return errors.ErrInvalidConfig(fmt.Sprintf("ping interval must be positive and shorter than %s", half), nil)
	}
	if c.LoadInterval <= 0 || c.LoadInterval >= half {
		return errors.ErrInvalidConfig(fmt.Sprintf("load interval must be positive and shorter than %s", half), nil)
	}
	if c.PayloadBytes < 4 {
		return errors.ErrInvalidConfig("payload must be at least 4 bytes", nil)
	}
	return nil
}

// Stats counts what the current or most recent run emitted.
type Stats struct {
	PingProbes uint64 `json:"ping_probes"`
	LoadProbes uint64 `json:"load_probes"`
	Payloads   uint64 `json:"payloads"`
}

type Emitter struct {
	sink    Sink
	clock   func() time.Time
	rng     *rand.Rand
	running atomic.Bool
	logger  *logging.Logger

	mu      sync.Mutex
	phase   types.RunPhase
	onPhase func(types.RunPhase)

	pingProbes atomic.Uint64
	loadProbes atomic.Uint64
	payloads   atomic.Uint64
}

type Option func(*Emitter)

func WithClock(clock func() time.Time) Option {
	return func(e *Emitter) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSeed makes payload contents reproducible.
func WithSeed(seed uint64) Option {
	return func(e *Emitter) {
		e.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

func New(sink Sink, opts ...Option) *Emitter {
	e := &Emitter{
		sink:   sink,
		clock:  time.Now,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger: logging.NewLogger("emitter"),
		phase:  types.RunPhaseIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnPhase registers a callback for phase changes. It runs on the emitter's
// goroutine and must not block.
func (e *Emitter) OnPhase(fn func(types.RunPhase)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPhase = fn
}

func (e *Emitter) Phase() types.RunPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Emitter) Stats() Stats {
	return Stats{
		PingProbes: e.pingProbes.Load(),
		LoadProbes: e.loadProbes.Load(),
		Payloads:   e.payloads.Load(),
	}
}

// Run executes one run and blocks until it completes or ctx is done. Only
// one run may be active per Emitter.
func (e *Emitter) Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !e.running.CompareAndSwap(false, true) {
		return errors.ErrRunActive
	}
	defer e.running.Store(false)

	e.pingProbes.Store(0)
	e.loadProbes.Store(0)
	e.payloads.Store(0)

	half, total := cfg.TotalDuration/2, cfg.TotalDuration
	start := time.Now()
	halfway := time.NewTimer(half)
	defer halfway.Stop()
	done := time.NewTimer(total)
	defer done.Stop()

	pingTicker := time.NewTicker(cfg.PingInterval)
	defer pingTicker.Stop()
	pingC := pingTicker.C

	var loadTicker *time.Ticker
	var loadC <-chan time.Time
	defer func() {
		if loadTicker != nil {
			loadTicker.Stop()
		}
	}()
	startLoad := func() {
		pingTicker.Stop()
		pingC = nil
		loadTicker = time.NewTicker(cfg.LoadInterval)
		loadC = loadTicker.C
		e.setPhase(types.RunPhaseLoad)
	}
	finish := func() error {
		e.setPhase(types.RunPhaseComplete)
		s := e.Stats()
		e.logger.Info("run complete",
			logging.Field{Key: "ping_probes", Value: s.PingProbes},
			logging.Field{Key: "load_probes", Value: s.LoadProbes},
			logging.Field{Key: "payloads", Value: s.Payloads})
		return nil
	}

	e.setPhase(types.RunPhasePing)
	e.logger.Info("run started",
		logging.Field{Key: "duration", Value: cfg.TotalDuration},
		logging.Field{Key: "ping_interval", Value: cfg.PingInterval},
		logging.Field{Key: "load_interval", Value: cfg.LoadInterval},
		logging.Field{Key: "payload_bytes", Value: cfg.PayloadBytes})

	for {
		// a deadline that already fired wins over a buffered tick
		select {
		case <-done.C:
			return finish()
		default:
		}
		if pingC != nil {
			select {
			case <-halfway.C:
				startLoad()
			default:
			}
		}

		select {
		case <-ctx.Done():
			e.setPhase(types.RunPhaseComplete)
			e.logger.Info("run cancelled", logging.Field{Key: "error", Value: ctx.Err()})
			return ctx.Err()

		case <-pingC:
			// the timer may lag its deadline; elapsed time is authoritative
			if time.Since(start) >= half {
				continue
			}
			e.sample(types.RunPhasePing)

		case <-halfway.C:
			startLoad()

		case <-loadC:
			if time.Since(start) >= total {
				continue
			}
			e.sink.AddData(e.payload(cfg.PayloadBytes / 4))
			e.payloads.Add(1)
			// a slow sink can carry the tick past the end
			if time.Since(start) >= total {
				continue
			}
			e.sample(types.RunPhaseLoad)

		case <-done.C:
			return finish()
		}
	}
}

func (e *Emitter) sample(phase types.RunPhase) {
	e.sink.AddLog(types.UnixSeconds(e.clock()), phase.UnderLoad())
	if phase.UnderLoad() {
		e.loadProbes.Add(1)
	} else {
		e.pingProbes.Add(1)
	}
}

// payload returns n values in [0, 256), one simulated byte per int.
func (e *Emitter) payload(n int) []int32 {
	data := make([]int32, n)
	for i := range data {
		data[i] = int32(e.rng.IntN(256))
	}
	return data
}

func (e *Emitter) setPhase(p types.RunPhase) {
	e.mu.Lock()
	e.phase = p
	fn := e.onPhase
	e.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}
