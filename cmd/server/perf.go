package server

import (
	"context"
	"net/http"
	"net/http/pprof"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/saveenergy/latbench/internal/config"
	"github.com/saveenergy/latbench/internal/logging"
)

func startPprofServer(cfg *config.Config) *http.Server {
	if cfg == nil || !cfg.PprofEnabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:              cfg.PprofAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logging.Info("pprof server starting", logging.Field{Key: "address", Value: cfg.PprofAddress})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("pprof server failed", logging.Field{Key: "error", Value: err})
		}
	}()

	return srv
}

func shutdownPprofServer(srv *http.Server, timeout time.Duration) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("pprof server shutdown error", logging.Field{Key: "error", Value: err})
	}
}

// startRuntimeStatsLogger logs Go runtime figures plus whatever extra returns
// until stop is closed.
func startRuntimeStatsLogger(cfg *config.Config, stop <-chan struct{}, extra func() []logging.Field) {
	if cfg == nil || cfg.PerfStatsInterval <= 0 {
		return
	}

	interval := cfg.PerfStatsInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var mem runtime.MemStats
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			runtime.ReadMemStats(&mem)
			gcStats := debug.GCStats{}
			debug.ReadGCStats(&gcStats)

			fields := []logging.Field{
				{Key: "goroutines", Value: runtime.NumGoroutine()},
				{Key: "heap_alloc_bytes", Value: mem.HeapAlloc},
				{Key: "heap_inuse_bytes", Value: mem.HeapInuse},
				{Key: "gc_count", Value: mem.NumGC},
				{Key: "gc_pause_total_ns", Value: mem.PauseTotalNs},
				{Key: "last_gc", Value: gcStats.LastGC},
			}
			if extra != nil {
				fields = append(fields, extra()...)
			}
			logging.Info("runtime stats", fields...)
		}
	}()
}
