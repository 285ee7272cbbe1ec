package client

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/saveenergy/latbench/pkg/errors"
	"github.com/saveenergy/latbench/pkg/types"
)

type OutputFormatter interface {
	FormatPhase(phase types.RunPhase)
	FormatProgress(elapsed, total time.Duration)
	FormatComplete(report *Report)
	FormatError(err error)
}

func createFormatter(config *Config, w io.Writer) OutputFormatter {
	switch {
	case config.JSON:
		return &JSONFormatter{writer: w, errWriter: os.Stderr}
	case config.Plain || config.Quiet:
		return &PlainFormatter{writer: w, quiet: config.Quiet}
	default:
		return NewInteractiveFormatter(w, config.Verbose, config.NoColor, config.NoProgress)
	}
}

type JSONFormatter struct {
	writer    io.Writer
	errWriter io.Writer
}

func (f *JSONFormatter) FormatPhase(types.RunPhase) {}

func (f *JSONFormatter) FormatProgress(elapsed, total time.Duration) {}

func (f *JSONFormatter) FormatComplete(report *Report) {
	enc := json.NewEncoder(f.writer)
	enc.SetIndent("", "  ")
	enc.Encode(report)
}

func (f *JSONFormatter) FormatError(err error) {
	code := "ERROR"
	var be *errors.BenchError
	if stdErrors.As(err, &be) {
		code = be.Code
	}
	json.NewEncoder(f.errWriter).Encode(JSONErrorResponse{
		SchemaVersion: SchemaVersion,
		Error:         true,
		Code:          code,
		Message:       err.Error(),
	})
}

// PlainFormatter prints one key=value per line for scripts.
type PlainFormatter struct {
	writer io.Writer
	quiet  bool
}

func (f *PlainFormatter) FormatPhase(types.RunPhase) {}

func (f *PlainFormatter) FormatProgress(elapsed, total time.Duration) {}

func (f *PlainFormatter) FormatComplete(report *Report) {
	if f.quiet {
		return
	}
	w := f.writer
	if report.Label != "" {
		fmt.Fprintf(w, "label=%s\n", report.Label)
	}
	fmt.Fprintf(w, "server=%s\n", report.Server)
	fmt.Fprintf(w, "identity=%s\n", report.Identity)
	fmt.Fprintf(w, "duration_seconds=%.1f\n", report.DurationSeconds)
	fmt.Fprintf(w, "ping_probes=%d\n", report.Emitted.PingProbes)
	fmt.Fprintf(w, "load_probes=%d\n", report.Emitted.LoadProbes)
	fmt.Fprintf(w, "payloads=%d\n", report.Emitted.Payloads)
	fmt.Fprintf(w, "dropped_frames=%d\n", report.DroppedFrames)
	if s := report.Summary; s != nil {
		fmt.Fprintf(w, "records=%d\n", s.Records)
		writePhase(w, "idle", s.Idle)
		writePhase(w, "loaded", s.Loaded)
		fmt.Fprintf(w, "loaded_delta_ms=%.3f\n", s.LoadedDeltaMs)
		if s.Interpretation != nil {
			fmt.Fprintf(w, "grade=%s\n", s.Interpretation.Grade)
			fmt.Fprintf(w, "bufferbloat_grade=%s\n", s.Interpretation.BufferbloatGrade)
		}
	}
	if report.ExportPath != "" {
		fmt.Fprintf(w, "export_path=%s\n", report.ExportPath)
		fmt.Fprintf(w, "export_bytes=%d\n", report.ExportBytes)
	}
}

func writePhase(w io.Writer, name string, p types.PhaseSummary) {
	fmt.Fprintf(w, "%s_samples=%d\n", name, p.Latency.Count)
	fmt.Fprintf(w, "%s_latency_avg_ms=%.3f\n", name, p.Latency.AvgMs)
	fmt.Fprintf(w, "%s_latency_p50_ms=%.3f\n", name, p.Latency.P50Ms)
	fmt.Fprintf(w, "%s_latency_p95_ms=%.3f\n", name, p.Latency.P95Ms)
	fmt.Fprintf(w, "%s_latency_p99_ms=%.3f\n", name, p.Latency.P99Ms)
	fmt.Fprintf(w, "%s_jitter_ms=%.3f\n", name, p.JitterMs)
}

func (f *PlainFormatter) FormatError(err error) {
	fmt.Fprintf(os.Stderr, "latbench client: error: %v\n", err)
}

type InteractiveFormatter struct {
	writer     io.Writer
	verbose    bool
	noProgress bool

	heading *color.Color
	label   *color.Color
	good    *color.Color
	warn    *color.Color
	bad     *color.Color
}

func NewInteractiveFormatter(w io.Writer, verbose, noColor, noProgress bool) *InteractiveFormatter {
	f := &InteractiveFormatter{
		writer:     w,
		verbose:    verbose,
		noProgress: noProgress,
		heading:    color.New(color.Bold),
		label:      color.New(color.FgCyan),
		good:       color.New(color.FgGreen),
		warn:       color.New(color.FgYellow),
		bad:        color.New(color.FgRed),
	}
	if noColor {
		for _, c := range []*color.Color{f.heading, f.label, f.good, f.warn, f.bad} {
			c.DisableColor()
		}
	}
	return f
}

func (f *InteractiveFormatter) FormatPhase(phase types.RunPhase) {
	if f.noProgress {
		return
	}
	switch phase {
	case types.RunPhasePing:
		f.label.Fprintln(f.writer, "Phase 1: probing idle latency")
	case types.RunPhaseLoad:
		fmt.Fprintln(f.writer)
		f.label.Fprintln(f.writer, "Phase 2: probing under load")
	case types.RunPhaseComplete:
		fmt.Fprintln(f.writer)
	}
}

func (f *InteractiveFormatter) FormatProgress(elapsed, total time.Duration) {
	if f.noProgress || total <= 0 {
		return
	}
	progress := float64(elapsed) / float64(total) * 100
	if progress > 100 {
		progress = 100
	}
	barWidth := 30
	filled := int(progress / 100 * float64(barWidth))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	c := f.warn
	if progress >= 50 {
		c = f.label
	}
	remaining := total - elapsed
	if remaining < 0 {
		remaining = 0
	}
	fmt.Fprintf(f.writer, "\rProgress: [%s] %.0f%% (%s remaining)  ",
		c.Sprint(bar), progress, remaining.Round(time.Second))
}

func (f *InteractiveFormatter) FormatComplete(report *Report) {
	w := f.writer
	title := "Results"
	if report.Label != "" {
		title += " (" + report.Label + ")"
	}
	f.heading.Fprintf(w, "\n%s:\n", title)

	s := report.Summary
	if s == nil {
		fmt.Fprintln(w, "  no summary available")
		return
	}
	f.label.Fprint(w, "  Idle latency:   ")
	fmt.Fprintf(w, "%.3f ms avg, %.3f ms p95, %d samples\n", s.Idle.Latency.AvgMs, s.Idle.Latency.P95Ms, s.Idle.Latency.Count)
	f.label.Fprint(w, "  Loaded latency: ")
	fmt.Fprintf(w, "%.3f ms avg, %.3f ms p95, %d samples\n", s.Loaded.Latency.AvgMs, s.Loaded.Latency.P95Ms, s.Loaded.Latency.Count)
	f.label.Fprint(w, "  Jitter:         ")
	fmt.Fprintf(w, "%.3f ms idle, %.3f ms loaded\n", s.Idle.JitterMs, s.Loaded.JitterMs)
	f.label.Fprint(w, "  Added by load:  ")
	fmt.Fprintf(w, "%+.3f ms\n", s.LoadedDeltaMs)

	if in := s.Interpretation; in != nil {
		f.label.Fprint(w, "  Bufferbloat:    ")
		f.gradeColor(in.BufferbloatGrade).Fprintln(w, in.BufferbloatGrade)
		f.label.Fprint(w, "  Overall:        ")
		f.gradeColor(in.Grade).Fprintf(w, "%s", in.Grade)
		fmt.Fprintf(w, "  %s\n", in.Summary)
		if len(in.Concerns) > 0 {
			for _, c := range in.Concerns {
				f.warn.Fprintf(w, "  ! %s\n", c)
			}
		}
	}

	if f.verbose {
		fmt.Fprintf(w, "\n  Identity: %s\n", report.Identity)
		fmt.Fprintf(w, "  Emitted:  %d ping probes, %d load probes, %d payloads\n",
			report.Emitted.PingProbes, report.Emitted.LoadProbes, report.Emitted.Payloads)
		fmt.Fprintf(w, "  Server records: %d\n", s.Records)
	}
	if report.DroppedFrames > 0 {
		f.warn.Fprintf(w, "  %d frames were dropped while the connection was down\n", report.DroppedFrames)
	}
	if report.ExportPath != "" {
		fmt.Fprintf(w, "  CSV written to %s (%s)\n", report.ExportPath, formatBytes(report.ExportBytes))
	}
}

func (f *InteractiveFormatter) FormatError(err error) {
	f.bad.Fprintf(os.Stderr, "latbench client: error: %v\n", err)
}

func (f *InteractiveFormatter) gradeColor(grade string) *color.Color {
	switch grade {
	case "A", "B":
		return f.good
	case "C":
		return f.warn
	default:
		return f.bad
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
