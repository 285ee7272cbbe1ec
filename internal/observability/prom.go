// Package observability exports server metrics to Prometheus. A nil
// *Observer is valid and records nothing.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saveenergy/latbench/pkg/types"
)

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

type Observer struct {
	probes       *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	jitter       *prometheus.HistogramVec
	payloads     prometheus.Counter
	payloadInts  prometheus.Counter
	reaps        *prometheus.CounterVec
	connections  prometheus.Gauge
	frames       *prometheus.CounterVec
	reaperQueued prometheus.GaugeFunc
}

// probe latencies span LAN (sub-ms) to badly bloated links (seconds)
var latencyBuckets = prometheus.ExponentialBuckets(0.0005, 2, 14)

func NewObserver(reg *prometheus.Registry) *Observer {
	o := &Observer{
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "latbench_probes_total",
			Help: "Probes ingested, by phase.",
		}, []string{"phase"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "latbench_probe_latency_seconds",
			Help:    "Probe latency (|received - sent|), by phase.",
			Buckets: latencyBuckets,
		}, []string{"phase"}),
		jitter: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "latbench_probe_jitter_seconds",
			Help:    "Probe jitter against the previous record, by phase.",
			Buckets: latencyBuckets,
		}, []string{"phase"}),
		payloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latbench_payloads_total",
			Help: "Synthetic payloads stored.",
		}),
		payloadInts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latbench_payload_ints_total",
			Help: "Integers carried by stored payloads.",
		}),
		reaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "latbench_payload_reaps_total",
			Help: "Deletion worker runs, by outcome.",
		}, []string{"outcome"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "latbench_connections",
			Help: "Open client connections.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "latbench_frames_total",
			Help: "Client frames handled, by type and result.",
		}, []string{"type", "result"}),
	}
	reg.MustRegister(
		o.probes,
		o.latency,
		o.jitter,
		o.payloads,
		o.payloadInts,
		o.reaps,
		o.connections,
		o.frames,
	)
	return o
}

// TrackQueue exports the reaper's pending task count.
func (o *Observer) TrackQueue(reg *prometheus.Registry, pending func() int) {
	if o == nil || pending == nil {
		return
	}
	o.reaperQueued = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "latbench_reaper_pending_tasks",
		Help: "Deletion tasks waiting in the reaper queue.",
	}, func() float64 { return float64(pending()) })
	reg.MustRegister(o.reaperQueued)
}

func (o *Observer) ObserveLog(rec types.LogRecord) {
	if o == nil {
		return
	}
	phase := phaseLabel(rec.UnderLoad)
	o.probes.WithLabelValues(phase).Inc()
	o.latency.WithLabelValues(phase).Observe(rec.Latency)
	o.jitter.WithLabelValues(phase).Observe(rec.Jitter)
}

func (o *Observer) ObservePayload(ints int) {
	if o == nil {
		return
	}
	o.payloads.Inc()
	o.payloadInts.Add(float64(ints))
}

func (o *Observer) ObserveReap(outcome string) {
	if o == nil {
		return
	}
	o.reaps.WithLabelValues(outcome).Inc()
}

func (o *Observer) ConnOpened() {
	if o == nil {
		return
	}
	o.connections.Inc()
}

func (o *Observer) ConnClosed() {
	if o == nil {
		return
	}
	o.connections.Dec()
}

func (o *Observer) Frame(frameType, result string) {
	if o == nil {
		return
	}
	o.frames.WithLabelValues(frameType, result).Inc()
}

func phaseLabel(underLoad bool) string {
	if underLoad {
		return string(types.RunPhaseLoad)
	}
	return string(types.RunPhasePing)
}
