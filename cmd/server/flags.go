package server

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/saveenergy/latbench/internal/config"
	"github.com/saveenergy/latbench/internal/logging"
)

type serverFlagValues struct {
	port              string
	bindAddress       string
	databasePath      string
	tlsCertFile       string
	tlsKeyFile        string
	tlsAutoGen        bool
	tlsCertDir        string
	allowedOrigins    string
	trustProxyHeaders bool
	trustedProxyCIDRs string
	rateLimitPerIP    float64
	rateLimitBurst    int
	maxFrameBytes     int64
	maxPayloadInts    int
	pingInterval      time.Duration
	sweepInterval     time.Duration
	reaperQueueSize   int
	metricsEnabled    bool
	pprofEnabled      bool
	pprofAddress      string
	perfStatsInterval time.Duration
	logLevel          string
}

// buildServerFlagSet seeds every flag with the env-resolved value so the
// usage text shows the effective defaults.
func buildServerFlagSet(cfg *config.Config) (*pflag.FlagSet, *serverFlagValues) {
	fv := &serverFlagValues{}
	fs := pflag.NewFlagSet("latbench server", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	fs.StringVarP(&fv.port, "port", "p", cfg.Port, "HTTP listen port")
	fs.StringVar(&fv.bindAddress, "bind", cfg.BindAddress, "HTTP bind address")
	fs.StringVar(&fv.databasePath, "db", cfg.DatabasePath, `SQLite database path (":memory:" keeps nothing across restarts)`)
	fs.StringVar(&fv.tlsCertFile, "tls-cert", cfg.TLSCertFile, "TLS certificate file (serves https and wss)")
	fs.StringVar(&fv.tlsKeyFile, "tls-key", cfg.TLSKeyFile, "TLS private key file")
	fs.BoolVar(&fv.tlsAutoGen, "tls-self-signed", cfg.TLSAutoGen, "Serve TLS with a generated self-signed certificate")
	fs.StringVar(&fv.tlsCertDir, "tls-cert-dir", cfg.TLSCertDir, "Directory for the generated certificate (default ~/.latbench/certs)")
	fs.StringVar(&fv.allowedOrigins, "allowed-origins", strings.Join(cfg.AllowedOrigins, ","), "Comma separated browser origins allowed for CORS and websocket upgrades")
	fs.BoolVar(&fv.trustProxyHeaders, "trust-proxy-headers", cfg.TrustProxyHeaders, "Use X-Forwarded-For from trusted proxies for client IPs")
	fs.StringVar(&fv.trustedProxyCIDRs, "trusted-proxy-cidrs", strings.Join(cfg.TrustedProxyCIDRs, ","), "Comma separated CIDRs of trusted proxies")
	fs.Float64Var(&fv.rateLimitPerIP, "rate-limit", cfg.RateLimitPerIP, "HTTP API requests per second per client IP")
	fs.IntVar(&fv.rateLimitBurst, "rate-burst", cfg.RateLimitBurst, "HTTP API burst per client IP")
	fs.Int64Var(&fv.maxFrameBytes, "max-frame-bytes", cfg.MaxFrameBytes, "Largest accepted websocket frame")
	fs.IntVar(&fv.maxPayloadInts, "max-payload-ints", cfg.MaxPayloadInts, "Largest accepted add_data payload")
	fs.DurationVar(&fv.pingInterval, "ws-ping-interval", cfg.WebSocketPingInterval, "Websocket keepalive ping interval")
	fs.DurationVar(&fv.sweepInterval, "reaper-sweep-interval", cfg.ReaperSweepInterval, "How often pending deletions are re-read from the store")
	fs.IntVar(&fv.reaperQueueSize, "reaper-queue-size", cfg.ReaperQueueSize, "In-memory deletion queue capacity")
	fs.BoolVar(&fv.metricsEnabled, "metrics", cfg.MetricsEnabled, "Serve Prometheus metrics on /metrics")
	fs.BoolVar(&fv.pprofEnabled, "pprof", cfg.PprofEnabled, "Serve pprof on a separate listener")
	fs.StringVar(&fv.pprofAddress, "pprof-addr", cfg.PprofAddress, "pprof listen address")
	fs.DurationVar(&fv.perfStatsInterval, "perf-stats-interval", cfg.PerfStatsInterval, "Log runtime stats at this interval (0 disables)")
	fs.StringVar(&fv.logLevel, "log-level", cfg.LogLevel.String(), "debug, info, warn or error")

	return fs, fv
}

// applyServerFlagOverrides copies explicitly set flags onto cfg. cfg is left
// untouched if any value is invalid.
func applyServerFlagOverrides(cfg *config.Config, fs *pflag.FlagSet, fv *serverFlagValues) error {
	next := *cfg
	var err error

	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "port":
			next.Port = fv.port
		case "bind":
			next.BindAddress = fv.bindAddress
		case "db":
			next.DatabasePath = fv.databasePath
		case "tls-cert":
			next.TLSCertFile = fv.tlsCertFile
		case "tls-key":
			next.TLSKeyFile = fv.tlsKeyFile
		case "tls-self-signed":
			next.TLSAutoGen = fv.tlsAutoGen
		case "tls-cert-dir":
			next.TLSCertDir = fv.tlsCertDir
		case "allowed-origins":
			next.AllowedOrigins = config.SplitList(fv.allowedOrigins)
		case "trust-proxy-headers":
			next.TrustProxyHeaders = fv.trustProxyHeaders
		case "trusted-proxy-cidrs":
			next.TrustedProxyCIDRs = config.SplitList(fv.trustedProxyCIDRs)
		case "rate-limit":
			next.RateLimitPerIP = fv.rateLimitPerIP
		case "rate-burst":
			next.RateLimitBurst = fv.rateLimitBurst
		case "max-frame-bytes":
			next.MaxFrameBytes = fv.maxFrameBytes
		case "max-payload-ints":
			next.MaxPayloadInts = fv.maxPayloadInts
		case "ws-ping-interval":
			next.WebSocketPingInterval = fv.pingInterval
		case "reaper-sweep-interval":
			next.ReaperSweepInterval = fv.sweepInterval
		case "reaper-queue-size":
			next.ReaperQueueSize = fv.reaperQueueSize
		case "metrics":
			next.MetricsEnabled = fv.metricsEnabled
		case "pprof":
			next.PprofEnabled = fv.pprofEnabled
		case "pprof-addr":
			next.PprofAddress = fv.pprofAddress
		case "perf-stats-interval":
			next.PerfStatsInterval = fv.perfStatsInterval
		case "log-level":
			level, parseErr := logging.ParseLevel(fv.logLevel)
			if parseErr != nil {
				err = fmt.Errorf("invalid --log-level: %w", parseErr)
				return
			}
			next.LogLevel = level
		}
	})
	if err != nil {
		return err
	}
	*cfg = next
	return nil
}
