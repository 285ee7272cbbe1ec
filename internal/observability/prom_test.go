package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/saveenergy/latbench/pkg/types"
)

func TestObserverExportsCounters(t *testing.T) {
	reg := NewRegistry()
	o := NewObserver(reg)
	pending := 3
	o.TrackQueue(reg, func() int { return pending })

	o.ObserveLog(types.LogRecord{Latency: 0.02, Jitter: 0.001})
	o.ObserveLog(types.LogRecord{Latency: 0.05, UnderLoad: true})
	o.ObserveLog(types.LogRecord{Latency: 0.06, UnderLoad: true})
	o.ObservePayload(5120)
	o.ObserveReap("deleted")
	o.ConnOpened()
	o.ConnOpened()
	o.ConnClosed()
	o.Frame("add_log", "ok")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`latbench_probes_total{phase="ping"} 1`,
		`latbench_probes_total{phase="load"} 2`,
		`latbench_payloads_total 1`,
		`latbench_payload_ints_total 5120`,
		`latbench_payload_reaps_total{outcome="deleted"} 1`,
		`latbench_connections 1`,
		`latbench_frames_total{result="ok",type="add_log"} 1`,
		`latbench_reaper_pending_tasks 3`,
		`latbench_probe_latency_seconds_count{phase="load"} 2`,
		`go_goroutines`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilObserverIsNoop(t *testing.T) {
	var o *Observer
	o.ObserveLog(types.LogRecord{})
	o.ObservePayload(1)
	o.ObserveReap("missing")
	o.ConnOpened()
	o.ConnClosed()
	o.Frame("add_data", "error")
	o.TrackQueue(nil, func() int { return 0 })
}
