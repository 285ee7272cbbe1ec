package types

import "github.com/saveenergy/latbench/pkg/diagnostic"

type LatencyMetrics struct {
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
	AvgMs float64 `json:"avg_ms"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
	Count int     `json:"count"`
}

// PhaseSummary aggregates the records of one phase. JitterMs is the mean of
// the per-record jitter values.
type PhaseSummary struct {
	Latency  LatencyMetrics `json:"latency"`
	JitterMs float64        `json:"jitter_ms"`
	FirstID  uint64         `json:"first_id,omitempty"`
	LastID   uint64         `json:"last_id,omitempty"`
}

type RunSummary struct {
	Records        int                        `json:"records"`
	Idle           PhaseSummary               `json:"idle"`
	Loaded         PhaseSummary               `json:"loaded"`
	LoadedDeltaMs  float64                    `json:"loaded_delta_ms"`
	Interpretation *diagnostic.Interpretation `json:"interpretation,omitempty"`
}
