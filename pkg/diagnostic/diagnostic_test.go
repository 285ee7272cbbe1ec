package diagnostic_test

import (
	"slices"
	"testing"

	"github.com/saveenergy/latbench/pkg/diagnostic"
)

func TestGradeBufferbloatBoundaries(t *testing.T) {
	tests := []struct {
		delta float64
		want  string
	}{
		{-3, "A"},
		{5, "A"},
		{5.01, "B"},
		{30, "B"},
		{60, "C"},
		{200, "D"},
		{200.5, "F"},
	}
	for _, tt := range tests {
		if got := diagnostic.GradeBufferbloat(tt.delta); got != tt.want {
			t.Errorf("GradeBufferbloat(%v) = %s, want %s", tt.delta, got, tt.want)
		}
	}
}

func TestInterpret_CleanLink(t *testing.T) {
	interp := diagnostic.Interpret(diagnostic.Params{
		IdleLatencyMs:   12,
		IdleJitterMs:    1,
		LoadedLatencyMs: 14,
		LoadedJitterMs:  2,
		IdleSamples:     600,
		LoadedSamples:   1790,
	})
	if interp.Grade != "A" {
		t.Errorf("grade = %s, want A", interp.Grade)
	}
	if interp.BufferbloatGrade != "A" {
		t.Errorf("bufferbloat = %s, want A", interp.BufferbloatGrade)
	}
	if !slices.Contains(interp.SuitableFor, "gaming") {
		t.Errorf("expected gaming in %v", interp.SuitableFor)
	}
	if len(interp.Concerns) != 0 {
		t.Errorf("expected no concerns, got %v", interp.Concerns)
	}
	if interp.Summary != "Excellent connection: 12.0ms idle, 14.0ms under load" {
		t.Errorf("summary = %q", interp.Summary)
	}
}

func TestInterpret_Bufferbloat(t *testing.T) {
	interp := diagnostic.Interpret(diagnostic.Params{
		IdleLatencyMs:   20,
		IdleJitterMs:    2,
		LoadedLatencyMs: 420,
		LoadedJitterMs:  45,
		IdleSamples:     10,
		LoadedSamples:   10,
	})
	if interp.BufferbloatGrade != "F" {
		t.Errorf("bufferbloat = %s, want F", interp.BufferbloatGrade)
	}
	if interp.StabilityRating != "unstable" {
		t.Errorf("stability = %s, want unstable", interp.StabilityRating)
	}
	for _, c := range []string{"bufferbloat", "high_jitter"} {
		if !slices.Contains(interp.Concerns, c) {
			t.Errorf("expected concern %s in %v", c, interp.Concerns)
		}
	}
	if slices.Contains(interp.SuitableFor, "video_conferencing") {
		t.Errorf("loaded latency should rule out conferencing: %v", interp.SuitableFor)
	}
}

func TestInterpret_NoSamples(t *testing.T) {
	interp := diagnostic.Interpret(diagnostic.Params{})
	if interp.LatencyRating != "unknown" || interp.BufferbloatGrade != "unknown" {
		t.Errorf("expected unknown ratings, got %+v", interp)
	}
	if len(interp.SuitableFor) != 0 {
		t.Errorf("expected no suitability, got %v", interp.SuitableFor)
	}
	if interp.Summary != "Fair connection" {
		t.Errorf("unexpected summary %q", interp.Summary)
	}
}
