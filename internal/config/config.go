package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/saveenergy/latbench/internal/logging"
)

// MemoryDatabase keeps every table in process memory; nothing survives a
// restart.
const MemoryDatabase = ":memory:"

type Config struct {
	Port        string
	BindAddress string

	DatabasePath string

	TLSCertFile string
	TLSKeyFile  string
	TLSAutoGen  bool
	TLSCertDir  string

	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	PprofEnabled      bool
	PprofAddress      string
	PerfStatsInterval time.Duration
	MetricsEnabled    bool

	RateLimitPerIP float64
	RateLimitBurst int

	TrustProxyHeaders bool
	TrustedProxyCIDRs []string
	AllowedOrigins    []string

	MaxFrameBytes         int64
	MaxPayloadInts        int
	WebSocketPingInterval time.Duration

	ReaperSweepInterval time.Duration
	ReaperQueueSize     int

	LogLevel logging.Level
}

func DefaultConfig() *Config {
	return &Config{
		Port:                  "8080",
		BindAddress:           "0.0.0.0",
		DatabasePath:          MemoryDatabase,
		ReadTimeout:           0,                // disabled; websocket connections outlive any fixed deadline
		ReadHeaderTimeout:     15 * time.Second, // protects against slowloris
		WriteTimeout:          0,                // disabled; export streams the whole table
		IdleTimeout:           60 * time.Second,
		PprofEnabled:          false,
		PprofAddress:          "127.0.0.1:6060",
		PerfStatsInterval:     0,
		MetricsEnabled:        true,
		RateLimitPerIP:        10,
		RateLimitBurst:        30,
		TrustProxyHeaders:     false,
		TrustedProxyCIDRs:     nil,
		AllowedOrigins:        []string{"*"},
		MaxFrameBytes:         1 << 20,
		MaxPayloadInts:        64 * 1024,
		WebSocketPingInterval: 30 * time.Second,
		ReaperSweepInterval:   5 * time.Second,
		ReaperQueueSize:       4096,
		LogLevel:              logging.LevelInfo,
	}
}

func (c *Config) LoadFromEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid PORT %q: must be a number", port)
		}
		c.Port = port
	}
	if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
		c.BindAddress = addr
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		c.DatabasePath = path
	}
	if cert := os.Getenv("TLS_CERT_FILE"); cert != "" {
		c.TLSCertFile = cert
	}
	if key := os.Getenv("TLS_KEY_FILE"); key != "" {
		c.TLSKeyFile = key
	}
	if auto := os.Getenv("TLS_AUTO_GENERATE"); auto == "true" || auto == "1" {
		c.TLSAutoGen = true
	}
	if dir := os.Getenv("TLS_CERT_DIR"); dir != "" {
		c.TLSCertDir = dir
	}

	if enabled := os.Getenv("PPROF_ENABLED"); enabled == "true" || enabled == "1" {
		c.PprofEnabled = true
	}
	if addr := os.Getenv("PPROF_ADDR"); addr != "" {
		c.PprofAddress = addr
	}
	if interval := os.Getenv("PERF_STATS_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid PERF_STATS_INTERVAL %q: must be a positive duration (e.g. 10s)", interval)
		}
		c.PerfStatsInterval = d
	}
	if enabled := os.Getenv("METRICS_ENABLED"); enabled == "false" || enabled == "0" {
		c.MetricsEnabled = false
	}

	if limit := os.Getenv("RATE_LIMIT_PER_IP"); limit != "" {
		l, err := strconv.ParseFloat(limit, 64)
		if err != nil || l <= 0 {
			return fmt.Errorf("invalid RATE_LIMIT_PER_IP %q: must be a positive number", limit)
		}
		c.RateLimitPerIP = l
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		b, err := strconv.Atoi(burst)
		if err != nil || b <= 0 {
			return fmt.Errorf("invalid RATE_LIMIT_BURST %q: must be a positive integer", burst)
		}
		c.RateLimitBurst = b
	}
	if trust := os.Getenv("TRUST_PROXY_HEADERS"); trust == "true" || trust == "1" {
		c.TrustProxyHeaders = true
	}
	if cidrs := os.Getenv("TRUSTED_PROXY_CIDRS"); cidrs != "" {
		c.TrustedProxyCIDRs = SplitList(cidrs)
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = SplitList(origins)
	}

	if size := os.Getenv("MAX_FRAME_BYTES"); size != "" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MAX_FRAME_BYTES %q: must be a positive integer", size)
		}
		c.MaxFrameBytes = n
	}
	if size := os.Getenv("MAX_PAYLOAD_INTS"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MAX_PAYLOAD_INTS %q: must be a positive integer", size)
		}
		c.MaxPayloadInts = n
	}
	if interval := os.Getenv("WEBSOCKET_PING_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid WEBSOCKET_PING_INTERVAL %q: must be a positive duration (e.g. 30s)", interval)
		}
		c.WebSocketPingInterval = d
	}
	if interval := os.Getenv("REAPER_SWEEP_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid REAPER_SWEEP_INTERVAL %q: must be a positive duration (e.g. 5s)", interval)
		}
		c.ReaperSweepInterval = d
	}
	if size := os.Getenv("REAPER_QUEUE_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid REAPER_QUEUE_SIZE %q: must be a positive integer", size)
		}
		c.ReaperQueueSize = n
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		l, err := logging.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		c.LogLevel = l
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port %q: must be 1-65535", c.Port)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS cert and key files must be set together")
	}
	if c.PprofEnabled && c.PprofAddress == "" {
		return fmt.Errorf("pprof address cannot be empty when enabled")
	}
	if c.RateLimitPerIP <= 0 {
		return fmt.Errorf("rate limit per IP must be > 0")
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("rate limit burst must be >= 1")
	}
	if c.MaxFrameBytes < 1024 {
		return fmt.Errorf("max frame bytes must be >= 1024")
	}
	if c.MaxPayloadInts <= 0 {
		return fmt.Errorf("max payload ints must be > 0")
	}
	if c.WebSocketPingInterval <= 0 {
		return fmt.Errorf("websocket ping interval must be > 0")
	}
	if c.ReaperSweepInterval <= 0 {
		return fmt.Errorf("reaper sweep interval must be > 0")
	}
	if c.ReaperQueueSize <= 0 {
		return fmt.Errorf("reaper queue size must be > 0")
	}
	if c.TrustProxyHeaders && len(c.TrustedProxyCIDRs) > 0 {
		for _, entry := range c.TrustedProxyCIDRs {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("invalid trusted proxy CIDR: %s", entry)
			}
		}
	}
	return nil
}

// Address is the listen address of the HTTP server.
func (c *Config) Address() string {
	return net.JoinHostPort(c.BindAddress, c.Port)
}

// TLSEnabled reports whether the server listens with TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" || c.TLSAutoGen
}

// SplitList splits a comma separated value, dropping blank entries.
func SplitList(value string) []string {
	entries := strings.Split(value, ",")
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if v := strings.TrimSpace(entry); v != "" {
			out = append(out, v)
		}
	}
	return out
}
