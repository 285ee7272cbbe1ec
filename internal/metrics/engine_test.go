package metrics_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/saveenergy/latbench/internal/metrics"
	"github.com/saveenergy/latbench/internal/store"
	pkgerrors "github.com/saveenergy/latbench/pkg/errors"
	"github.com/saveenergy/latbench/pkg/types"
)

const tolerance = 1e-9

func approx(a, b float64) bool { return math.Abs(a-b) < tolerance }

// sequenceClock returns the given Unix-second instants in order.
func sequenceClock(t *testing.T, seconds ...float64) func() time.Time {
	t.Helper()
	var mu sync.Mutex
	i := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(seconds) {
			t.Fatalf("clock read %d times, only %d instants", i+1, len(seconds))
		}
		s := seconds[i]
		i++
		return time.Unix(0, int64(math.Round(s*1e9)))
	}
}

func memStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestIngestFirstRecordIsZero(t *testing.T) {
	e := metrics.NewEngine(memStore(t), metrics.WithClock(sequenceClock(t, 105)))
	rec, err := e.Ingest(context.Background(), 100, false)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if rec.Latency != 0 || rec.Jitter != 0 {
		t.Fatalf("first record latency/jitter = %v/%v, want 0/0", rec.Latency, rec.Jitter)
	}
	if !approx(rec.Received, 105) || rec.Sent != 100 {
		t.Fatalf("first record sent/received = %v/%v", rec.Sent, rec.Received)
	}
}

func TestIngestScenarioSequence(t *testing.T) {
	st := memStore(t)
	e := metrics.NewEngine(st, metrics.WithClock(sequenceClock(t, 100.1, 100.6, 101.5)))
	ctx := context.Background()

	sent := []float64{100.0, 100.5, 101.3}
	want := []struct{ latency, jitter float64 }{
		{0, 0},     // first record of the run
		{0.1, 0},   // previous latency is zero
		{0.2, 0.1}, // |0.2 - 0.1|
	}
	for i, s := range sent {
		rec, err := e.Ingest(ctx, s, false)
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		if !approx(rec.Latency, want[i].latency) || !approx(rec.Jitter, want[i].jitter) {
			t.Fatalf("record %d = latency %v jitter %v, want %v/%v", i, rec.Latency, rec.Jitter, want[i].latency, want[i].jitter)
		}
	}

	stored, err := st.ListLogs(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored %d records, want 3", len(stored))
	}
	for i, rec := range stored {
		if !approx(rec.Latency, want[i].latency) || !approx(rec.Jitter, want[i].jitter) {
			t.Fatalf("stored record %d = %+v", i, rec)
		}
	}
}

func TestIngestJitterRecurrence(t *testing.T) {
	received := []float64{10.0, 10.3, 10.35, 10.9, 11.0, 11.8}
	sent := []float64{9.0, 10.1, 10.2, 10.4, 10.95, 11.0}
	e := metrics.NewEngine(memStore(t), metrics.WithClock(sequenceClock(t, received...)))
	ctx := context.Background()

	var prev types.LogRecord
	for i := range sent {
		rec, err := e.Ingest(ctx, sent[i], i%2 == 0)
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		if rec.Latency < 0 {
			t.Fatalf("record %d has negative latency %v", i, rec.Latency)
		}
		if i == 0 {
			prev = rec
			continue
		}
		if !approx(rec.Latency, math.Abs(rec.Received-rec.Sent)) {
			t.Fatalf("record %d latency %v != |%v-%v|", i, rec.Latency, rec.Received, rec.Sent)
		}
		wantJitter := 0.0
		if prev.Latency != 0 {
			wantJitter = math.Abs(rec.Latency - prev.Latency)
		}
		if !approx(rec.Jitter, wantJitter) {
			t.Fatalf("record %d jitter %v, want %v", i, rec.Jitter, wantJitter)
		}
		if rec.ID <= prev.ID {
			t.Fatalf("ids not increasing: %d after %d", rec.ID, prev.ID)
		}
		prev = rec
	}
}

func TestIngestClientAheadOfServer(t *testing.T) {
	e := metrics.NewEngine(memStore(t), metrics.WithClock(sequenceClock(t, 50, 50)))
	ctx := context.Background()
	if _, err := e.Ingest(ctx, 49, false); err != nil {
		t.Fatal(err)
	}
	rec, err := e.Ingest(ctx, 50.25, true)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(rec.Latency, 0.25) {
		t.Fatalf("latency = %v, want 0.25", rec.Latency)
	}
}

func TestIngestRejectsNonFinite(t *testing.T) {
	st := memStore(t)
	e := metrics.NewEngine(st)
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := e.Ingest(context.Background(), v, false); !errors.Is(err, pkgerrors.ErrInvalidProbe) {
			t.Fatalf("Ingest(%v) error = %v, want ErrInvalidProbe", v, err)
		}
	}
	if n, _ := st.CountLogs(context.Background()); n != 0 {
		t.Fatalf("rejected probes stored %d records", n)
	}
}

func TestSeedTailContinuesJitterChain(t *testing.T) {
	st := memStore(t)
	ctx := context.Background()
	if _, err := st.InsertLog(ctx, types.LogRecord{Sent: 1, Received: 1.2, Latency: 0.2}); err != nil {
		t.Fatal(err)
	}

	e := metrics.NewEngine(st, metrics.WithClock(sequenceClock(t, 2.5)))
	if err := e.SeedTail(ctx); err != nil {
		t.Fatalf("SeedTail: %v", err)
	}
	tail, ok := e.Tail()
	if !ok || !approx(tail.Latency, 0.2) {
		t.Fatalf("tail = %+v, %v", tail, ok)
	}

	rec, err := e.Ingest(ctx, 2.0, false)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(rec.Latency, 0.5) || !approx(rec.Jitter, 0.3) {
		t.Fatalf("record after seed = %+v", rec)
	}
}

type failingStore struct{}

func (failingStore) InsertLog(context.Context, types.LogRecord) (uint64, error) {
	return 0, errors.New("disk full")
}

func (failingStore) LastLog(context.Context) (*types.LogRecord, error) { return nil, nil }

func TestIngestFailureKeepsTail(t *testing.T) {
	e := metrics.NewEngine(failingStore{})
	if _, err := e.Ingest(context.Background(), 1, false); err == nil {
		t.Fatal("expected insert error")
	}
	if _, ok := e.Tail(); ok {
		t.Fatal("failed insert must not move the tail")
	}
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []types.LogRecord
}

func (o *recordingObserver) ObserveLog(rec types.LogRecord) {
	o.mu.Lock()
	o.seen = append(o.seen, rec)
	o.mu.Unlock()
}

func TestIngestConcurrentWritersFormOneChain(t *testing.T) {
	st := memStore(t)
	obs := &recordingObserver{}
	e := metrics.NewEngine(st, metrics.WithObserver(obs))
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				sent := types.UnixSeconds(time.Now()) - 0.01
				if _, err := e.Ingest(ctx, sent, false); err != nil {
					t.Errorf("Ingest: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	stored, err := st.ListLogs(ctx, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 100 || len(obs.seen) != 100 {
		t.Fatalf("stored %d observed %d, want 100", len(stored), len(obs.seen))
	}
	for i := 1; i < len(stored); i++ {
		want := 0.0
		if stored[i-1].Latency != 0 {
			want = math.Abs(stored[i].Latency - stored[i-1].Latency)
		}
		if !approx(stored[i].Jitter, want) {
			t.Fatalf("record %d jitter %v, want %v against global predecessor", i, stored[i].Jitter, want)
		}
	}
}
