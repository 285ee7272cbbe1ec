package client

import (
	"time"

	"github.com/saveenergy/latbench/internal/emitter"
	"github.com/saveenergy/latbench/pkg/types"
)

type Config struct {
	ServerURL    string
	Label        string
	Identity     string
	Duration     time.Duration
	PingInterval time.Duration
	LoadInterval time.Duration
	PayloadBytes int
	Export       string
	JSON         bool
	Plain        bool
	Verbose      bool
	Quiet        bool
	NoColor      bool
	NoProgress   bool
}

func (c *Config) emitterConfig() emitter.Config {
	return emitter.Config{
		TotalDuration: c.Duration,
		PingInterval:  c.PingInterval,
		LoadInterval:  c.LoadInterval,
		PayloadBytes:  c.PayloadBytes,
	}
}

// SchemaVersion is the semantic version of the JSON output schema.
// Bump major on breaking changes; minor on additive changes.
const SchemaVersion = "1.0"

// Report is what one client run prints. Summary covers every record on the
// server, not only this run's.
type Report struct {
	SchemaVersion   string            `json:"schema_version"`
	Label           string            `json:"label,omitempty"`
	Server          string            `json:"server"`
	Identity        string            `json:"identity"`
	Clock           float64           `json:"clock"`
	StartTime       string            `json:"start_time"`
	EndTime         string            `json:"end_time"`
	DurationSeconds float64           `json:"duration_seconds"`
	Emitted         emitter.Stats     `json:"emitted"`
	DroppedFrames   uint64            `json:"dropped_frames"`
	Summary         *types.RunSummary `json:"summary"`
	ExportPath      string            `json:"export_path,omitempty"`
	ExportBytes     int64             `json:"export_bytes,omitempty"`
}

// JSONErrorResponse is the structured error emitted when --json is active.
type JSONErrorResponse struct {
	SchemaVersion string `json:"schema_version"`
	Error         bool   `json:"error"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}
