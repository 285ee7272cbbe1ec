// Package mcp implements the `latbench mcp` subcommand: an MCP (Model Context
// Protocol) server over stdio. Agents spawn this process and call benchmark
// tools against a latbench server.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/saveenergy/latbench/internal/emitter"
	"github.com/saveenergy/latbench/pkg/client"
)

const (
	defaultServerURL = "http://localhost:8080"
	maxExportBytes   = 1 << 20

	defaultBenchmarkSeconds = 20
	maxBenchmarkSeconds     = 240
)

type tool struct {
	def     mcp.Tool
	handler server.ToolHandlerFunc
}

func tools() []tool {
	serverURL := mcp.WithString("server_url",
		mcp.Description("latbench server URL (default: http://localhost:8080)"),
	)
	return []tool{
		{
			def: mcp.NewTool("latency_summary",
				mcp.WithDescription("Summarize every probe stored on the server: idle and loaded latency percentiles, jitter, the latency added by load, and a bufferbloat grade (A-F)."),
				serverURL,
			),
			handler: handleLatencySummary,
		},
		{
			def: mcp.NewTool("export_logs",
				mcp.WithDescription("Return the server's probe log as CSV (Id,Sent,Received,Latency,Jitter,UnderLoad). Output is truncated at 1 MiB."),
				serverURL,
			),
			handler: handleExportLogs,
		},
		{
			def: mcp.NewTool("run_benchmark",
				mcp.WithDescription("Run a latency benchmark: probes only for the first half, probes plus synthetic payload load for the second half, then return the server summary. Blocks for the whole duration."),
				serverURL,
				mcp.WithNumber("duration",
					mcp.Description("Total run duration in seconds, 2-240 (default: 20)"),
				),
				mcp.WithString("label",
					mcp.Description("Free-form label echoed in the result"),
				),
			),
			handler: handleRunBenchmark,
		},
	}
}

// ToolDefinitions lists the tools this server exposes.
func ToolDefinitions() []mcp.Tool {
	all := tools()
	defs := make([]mcp.Tool, 0, len(all))
	for _, t := range all {
		defs = append(defs, t.def)
	}
	return defs
}

// Run starts the MCP stdio server. Blocks until stdin closes.
func Run(version string) int {
	s := server.NewMCPServer(
		"latbench",
		version,
		server.WithToolCapabilities(true),
	)
	for _, t := range tools() {
		s.AddTool(t.def, t.handler)
	}

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "latbench mcp: error: %v\n", err)
		return 1
	}
	return 0
}

func serverURLFromRequest(req mcp.CallToolRequest) string {
	return req.GetString("server_url", defaultServerURL)
}

func handleLatencySummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	summary, err := client.New(serverURLFromRequest(req)).Summary(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Summary failed: %v", err)), nil
	}
	return jsonResult(summary)
}

func handleExportLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var buf bytes.Buffer
	if _, err := client.New(serverURLFromRequest(req)).ExportCSV(ctx, &limitedBuffer{buf: &buf, limit: maxExportBytes}); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Export failed: %v", err)), nil
	}
	text := buf.String()
	if buf.Len() >= maxExportBytes {
		text += "\n# truncated at 1 MiB; use `latbench export` for the full log\n"
	}
	return mcp.NewToolResultText(text), nil
}

// benchmarkResult is the run_benchmark tool output.
type benchmarkResult struct {
	Label    string        `json:"label,omitempty"`
	Identity string        `json:"identity"`
	Emitted  emitter.Stats `json:"emitted"`
	Dropped  uint64        `json:"dropped_frames"`
	Summary  any           `json:"summary"`
}

func handleRunBenchmark(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverURL := serverURLFromRequest(req)
	seconds := req.GetInt("duration", defaultBenchmarkSeconds)
	if seconds < 2 {
		seconds = 2
	}
	if seconds > maxBenchmarkSeconds {
		seconds = maxBenchmarkSeconds
	}

	cfg := emitter.DefaultConfig()
	cfg.TotalDuration = time.Duration(seconds) * time.Second

	ctx, cancel := context.WithTimeout(ctx, cfg.TotalDuration+30*time.Second)
	defer cancel()

	conn := client.NewConn(serverURL)
	if err := conn.Connect(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Connect failed: %v", err)), nil
	}
	defer conn.Close()

	em := emitter.New(conn)
	if err := em.Run(ctx, cfg); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Benchmark aborted: %v", err)), nil
	}
	conn.Close()

	summary, err := client.New(serverURL).Summary(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Summary failed: %v", err)), nil
	}
	return jsonResult(benchmarkResult{
		Label:    req.GetString("label", ""),
		Identity: conn.Identity().String(),
		Emitted:  em.Stats(),
		Dropped:  conn.Dropped(),
		Summary:  summary,
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("JSON encoding failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// limitedBuffer keeps the first limit bytes and discards the rest while
// reporting full writes, so the export stream is drained without error.
type limitedBuffer struct {
	buf   *bytes.Buffer
	limit int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.limit - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
