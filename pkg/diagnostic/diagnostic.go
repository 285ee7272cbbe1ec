// Package diagnostic interprets latency benchmark summaries into grades and
// ratings a person or an agent can act on.
package diagnostic

import (
	"fmt"
	"strings"
)

// Interpretation holds the semantic interpretation of a benchmark run.
type Interpretation struct {
	Grade            string   `json:"grade"`
	Summary          string   `json:"summary"`
	LatencyRating    string   `json:"latency_rating"`
	StabilityRating  string   `json:"stability_rating"`
	BufferbloatGrade string   `json:"bufferbloat_grade"`
	SuitableFor      []string `json:"suitable_for"`
	Concerns         []string `json:"concerns"`
}

// Params are the raw per-phase figures to interpret. Negative or zero values
// mean the phase produced no samples.
type Params struct {
	IdleLatencyMs   float64
	IdleJitterMs    float64
	LoadedLatencyMs float64
	LoadedJitterMs  float64
	IdleSamples     int
	LoadedSamples   int
}

// Interpret produces a diagnostic Interpretation from raw metrics.
func Interpret(p Params) *Interpretation {
	interp := &Interpretation{
		SuitableFor: []string{},
		Concerns:    []string{},
	}

	interp.LatencyRating = rateLatency(p.IdleLatencyMs, p.IdleSamples)
	interp.StabilityRating = rateStability(worstJitter(p))
	interp.BufferbloatGrade = "unknown"
	if p.IdleSamples > 0 && p.LoadedSamples > 0 {
		interp.BufferbloatGrade = GradeBufferbloat(p.LoadedLatencyMs - p.IdleLatencyMs)
	}

	interp.SuitableFor = suitability(p)
	interp.Concerns = concerns(p, interp.BufferbloatGrade)

	interp.Grade = computeGrade(interp.LatencyRating, interp.StabilityRating, interp.BufferbloatGrade)
	interp.Summary = buildSummary(interp.Grade, p)

	return interp
}

// GradeBufferbloat grades the latency added by sustained load.
func GradeBufferbloat(deltaMs float64) string {
	switch {
	case deltaMs <= 5:
		return "A"
	case deltaMs <= 30:
		return "B"
	case deltaMs <= 60:
		return "C"
	case deltaMs <= 200:
		return "D"
	default:
		return "F"
	}
}

func worstJitter(p Params) float64 {
	if p.LoadedSamples > 0 && p.LoadedJitterMs > p.IdleJitterMs {
		return p.LoadedJitterMs
	}
	return p.IdleJitterMs
}

func rateLatency(ms float64, samples int) string {
	switch {
	case samples == 0:
		return "unknown"
	case ms <= 20:
		return "excellent"
	case ms <= 50:
		return "good"
	case ms <= 100:
		return "fair"
	default:
		return "poor"
	}
}

func rateStability(jitterMs float64) string {
	switch {
	case jitterMs < 0:
		return "unknown"
	case jitterMs > 30:
		return "unstable"
	case jitterMs > 10:
		return "degraded"
	case jitterMs > 5:
		return "fair"
	default:
		return "stable"
	}
}

func suitability(p Params) []string {
	s := []string{}
	if p.IdleSamples == 0 {
		return s
	}
	loaded := p.IdleLatencyMs
	if p.LoadedSamples > 0 {
		loaded = p.LoadedLatencyMs
	}
	jitter := worstJitter(p)

	if loaded < 200 {
		s = append(s, "realtime_sync")
	}
	// Conferencing runs under load, so the loaded figures count.
	if loaded < 100 && jitter < 30 {
		s = append(s, "video_conferencing")
	}
	if loaded < 50 && jitter < 15 {
		s = append(s, "gaming")
	}
	return s
}

func concerns(p Params, bloat string) []string {
	c := []string{}
	if p.IdleSamples > 0 && p.IdleLatencyMs > 100 {
		c = append(c, "high_latency")
	}
	if worstJitter(p) > 30 {
		c = append(c, "high_jitter")
	}
	if bloat == "D" || bloat == "F" {
		c = append(c, "bufferbloat")
	}
	if p.LoadedSamples == 0 {
		c = append(c, "no_loaded_samples")
	}
	return c
}

var ratingScore = map[string]int{
	"excellent": 4,
	"A":         4,
	"stable":    4,
	"good":      3,
	"B":         3,
	"fair":      2,
	"C":         2,
	"degraded":  1,
	"D":         1,
	"poor":      0,
	"F":         0,
	"unstable":  0,
	"unknown":   2, // neutral default
}

func computeGrade(latency, stability, bloat string) string {
	score := ratingScore[latency] + ratingScore[stability] + ratingScore[bloat]
	// Max score = 12 (4+4+4)
	switch {
	case score >= 11:
		return "A"
	case score >= 9:
		return "B"
	case score >= 6:
		return "C"
	case score >= 3:
		return "D"
	default:
		return "F"
	}
}

func buildSummary(grade string, p Params) string {
	gradeDesc := map[string]string{
		"A": "Excellent",
		"B": "Good",
		"C": "Fair",
		"D": "Poor",
		"F": "Very poor",
	}

	parts := []string{}
	if p.IdleSamples > 0 {
		parts = append(parts, fmt.Sprintf("%.1fms idle", p.IdleLatencyMs))
	}
	if p.LoadedSamples > 0 {
		parts = append(parts, fmt.Sprintf("%.1fms under load", p.LoadedLatencyMs))
	}

	summary := gradeDesc[grade] + " connection"
	if len(parts) > 0 {
		summary += ": " + strings.Join(parts, ", ")
	}
	return summary
}
