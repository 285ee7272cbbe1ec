package metrics

import (
	"sort"

	"github.com/saveenergy/latbench/pkg/diagnostic"
	"github.com/saveenergy/latbench/pkg/types"
)

const msPerSecond = 1000.0

// CalculateLatency summarizes latency samples given in seconds. Results are
// in milliseconds.
func CalculateLatency(samples []float64) types.LatencyMetrics {
	if len(samples) == 0 {
		return types.LatencyMetrics{}
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	sum := 0.0
	for _, s := range sorted {
		sum += s
	}

	return types.LatencyMetrics{
		MinMs: sorted[0] * msPerSecond,
		MaxMs: sorted[len(sorted)-1] * msPerSecond,
		AvgMs: sum / float64(len(sorted)) * msPerSecond,
		P50Ms: sorted[len(sorted)*50/100] * msPerSecond,
		P95Ms: sorted[len(sorted)*95/100] * msPerSecond,
		P99Ms: sorted[len(sorted)*99/100] * msPerSecond,
		Count: len(samples),
	}
}

// CalculateJitter is the mean of stored per-record jitter values, in ms.
func CalculateJitter(jitters []float64) float64 {
	if len(jitters) == 0 {
		return 0
	}
	var sum float64
	for _, j := range jitters {
		sum += j
	}
	return sum / float64(len(jitters)) * msPerSecond
}

// Summarizer accumulates records one at a time so a summary can be built
// while streaming the log table.
type Summarizer struct {
	phases [2]phaseAccumulator
}

type phaseAccumulator struct {
	latencies []float64
	jitters   []float64
	firstID   uint64
	lastID    uint64
}

func (s *Summarizer) Add(rec types.LogRecord) {
	p := &s.phases[0]
	if rec.UnderLoad {
		p = &s.phases[1]
	}
	if len(p.latencies) == 0 {
		p.firstID = rec.ID
	}
	p.lastID = rec.ID
	p.latencies = append(p.latencies, rec.Latency)
	p.jitters = append(p.jitters, rec.Jitter)
}

func (s *Summarizer) Summary() types.RunSummary {
	idle := s.phases[0].summary()
	loaded := s.phases[1].summary()

	out := types.RunSummary{
		Records: idle.Latency.Count + loaded.Latency.Count,
		Idle:    idle,
		Loaded:  loaded,
	}
	if idle.Latency.Count > 0 && loaded.Latency.Count > 0 {
		out.LoadedDeltaMs = loaded.Latency.AvgMs - idle.Latency.AvgMs
	}
	out.Interpretation = diagnostic.Interpret(diagnostic.Params{
		IdleLatencyMs:   idle.Latency.AvgMs,
		IdleJitterMs:    idle.JitterMs,
		LoadedLatencyMs: loaded.Latency.AvgMs,
		LoadedJitterMs:  loaded.JitterMs,
		IdleSamples:     idle.Latency.Count,
		LoadedSamples:   loaded.Latency.Count,
	})
	return out
}

func (p *phaseAccumulator) summary() types.PhaseSummary {
	return types.PhaseSummary{
		Latency:  CalculateLatency(p.latencies),
		JitterMs: CalculateJitter(p.jitters),
		FirstID:  p.firstID,
		LastID:   p.lastID,
	}
}

// Summarize splits records by phase and summarizes each.
func Summarize(records []types.LogRecord) types.RunSummary {
	var s Summarizer
	for _, rec := range records {
		s.Add(rec)
	}
	return s.Summary()
}
