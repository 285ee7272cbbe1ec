package client

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/saveenergy/latbench/internal/emitter"
	benchclient "github.com/saveenergy/latbench/pkg/client"
	"github.com/saveenergy/latbench/pkg/types"
)

const (
	progressInterval = time.Second
	settleInterval   = 100 * time.Millisecond
	settleTimeout    = 3 * time.Second
)

func runBenchmark(ctx context.Context, config *Config, formatter OutputFormatter) (*Report, error) {
	var opts []benchclient.ConnOption
	if config.Identity != "" {
		opts = append(opts, benchclient.WithIdentity(types.Identity(config.Identity)))
	}
	conn := benchclient.NewConn(config.ServerURL, opts...)
	if config.Verbose {
		conn.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "latbench client: warning: %v\n", err)
		})
	}

	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w\n\n"+
			"Troubleshooting:\n"+
			"  - Check server is running: curl %s/health\n"+
			"  - Verify server URL: latbench client --server %s", err, config.ServerURL, config.ServerURL)
	}
	defer conn.Close()

	em := emitter.New(conn)
	em.OnPhase(formatter.FormatPhase)

	start := time.Now()
	stopProgress := make(chan struct{})
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				formatter.FormatProgress(time.Since(start), config.Duration)
			case <-stopProgress:
				return
			}
		}
	}()

	runErr := em.Run(ctx, config.emitterConfig())
	close(stopProgress)
	<-progressDone
	end := time.Now()

	// flush what is queued before reading results back
	conn.Close()
	if runErr != nil {
		return nil, runErr
	}

	api := benchclient.New(config.ServerURL)
	summary, err := settledSummary(ctx, api)
	if err != nil {
		return nil, fmt.Errorf("fetch summary: %w", err)
	}

	report := &Report{
		SchemaVersion:   SchemaVersion,
		Label:           config.Label,
		Server:          config.ServerURL,
		Identity:        conn.Identity().String(),
		Clock:           conn.Clock().Clock,
		StartTime:       start.UTC().Format(time.RFC3339Nano),
		EndTime:         end.UTC().Format(time.RFC3339Nano),
		DurationSeconds: end.Sub(start).Seconds(),
		Emitted:         em.Stats(),
		DroppedFrames:   conn.Dropped(),
		Summary:         summary,
	}

	if config.Export != "" {
		n, err := exportCSV(ctx, api, config.Export)
		if err != nil {
			return nil, err
		}
		report.ExportPath = config.Export
		report.ExportBytes = n
	}
	return report, nil
}

// settledSummary polls until two consecutive summaries agree on the record
// count, so frames still being ingested when the socket closed are included.
func settledSummary(ctx context.Context, api *benchclient.Client) (*types.RunSummary, error) {
	deadline := time.Now().Add(settleTimeout)
	prev, err := api.Summary(ctx)
	if err != nil {
		return nil, err
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(settleInterval):
		}
		next, err := api.Summary(ctx)
		if err != nil {
			return nil, err
		}
		if next.Records == prev.Records {
			return next, nil
		}
		prev = next
	}
	return prev, nil
}

func exportCSV(ctx context.Context, api *benchclient.Client, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	n, err := api.ExportCSV(ctx, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("export logs: %w", err)
	}
	return n, nil
}
