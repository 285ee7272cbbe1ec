package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/saveenergy/latbench/internal/config"
	"github.com/saveenergy/latbench/internal/logging"
	"github.com/saveenergy/latbench/pkg/client"
	"github.com/saveenergy/latbench/pkg/types"
)

func TestApplyServerFlagOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Port = "9000"
	cfg.ReaperSweepInterval = 10 * time.Second

	fs, fv := buildServerFlagSet(cfg)
	if err := fs.Parse([]string{
		"--db=/tmp/bench.db",
		"--allowed-origins=https://a.example.com, https://b.example.com",
		"--ws-ping-interval=15s",
		"--metrics=false",
		"--log-level=debug",
	}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if err := applyServerFlagOverrides(cfg, fs, fv); err != nil {
		t.Fatalf("apply overrides: %v", err)
	}

	if cfg.DatabasePath != "/tmp/bench.db" {
		t.Fatalf("db = %q", cfg.DatabasePath)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example.com" || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("allowed origins = %#v, want two trimmed entries", cfg.AllowedOrigins)
	}
	if cfg.WebSocketPingInterval != 15*time.Second {
		t.Fatalf("ping interval = %s", cfg.WebSocketPingInterval)
	}
	if cfg.MetricsEnabled {
		t.Fatal("metrics should be disabled")
	}
	if cfg.LogLevel != logging.LevelDebug {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
	// unset flags keep the env-resolved values
	if cfg.Port != "9000" || cfg.ReaperSweepInterval != 10*time.Second {
		t.Fatalf("port = %s, sweep = %s", cfg.Port, cfg.ReaperSweepInterval)
	}
}

func TestApplyServerFlagOverridesInvalidDuration(t *testing.T) {
	cfg := config.DefaultConfig()
	fs, _ := buildServerFlagSet(cfg)
	if err := fs.Parse([]string{"--ws-ping-interval=not-a-duration"}); err == nil {
		t.Fatal("expected parse error for invalid duration")
	}
}

func TestApplyServerFlagOverridesLeavesConfigOnError(t *testing.T) {
	cfg := config.DefaultConfig()
	fs, fv := buildServerFlagSet(cfg)
	if err := fs.Parse([]string{"--port=9999", "--log-level=loud"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if err := applyServerFlagOverrides(cfg, fs, fv); err == nil {
		t.Fatal("expected error for unknown log level")
	}
	if cfg.Port != "8080" {
		t.Fatalf("port changed despite error: %s", cfg.Port)
	}
}

func TestRunRejectsBadInvocations(t *testing.T) {
	if code := Run([]string{"--no-such-flag"}, "test"); code != 2 {
		t.Fatalf("unknown flag exit = %d", code)
	}
	if code := Run([]string{"--port=0"}, "test"); code != 2 {
		t.Fatalf("invalid port exit = %d", code)
	}
	if code := Run([]string{"--help"}, "test"); code != 0 {
		t.Fatalf("help exit = %d", code)
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DatabasePath = config.MemoryDatabase
	cfg.ReaperSweepInterval = 50 * time.Millisecond
	return cfg
}

func TestAppServesAndShutsDown(t *testing.T) {
	a, err := newApp(testConfig(), "v-test")
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	ctx := context.Background()
	c := client.New(srv.URL)
	if v, err := c.Version(ctx); err != nil || v != "v-test" {
		t.Fatalf("Version = %q, %v", v, err)
	}

	conn := client.NewConn(srv.URL)
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	now := types.UnixSeconds(time.Now())
	conn.AddLog(now, false)
	conn.AddData([]int32{1, 2, 3})
	conn.AddLog(now+0.1, true)
	conn.Close()

	wants := []string{"latbench_probes_total", "latbench_payload_reaps_total", "latbench_reaper_pending_tasks"}
	deadline := time.Now().Add(3 * time.Second)
	for {
		n, _ := a.store.CountLogs(ctx)
		payloads, _ := a.store.CountPayloads(ctx)
		body := scrape(t, srv.URL+"/metrics")
		if n == 2 && payloads == 0 && containsAll(body, wants) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("logs = %d, payloads = %d, metrics:\n%s", n, payloads, body)
		}
		time.Sleep(20 * time.Millisecond)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	a.shutdown(shutdownCtx)
	if err := a.store.Ping(ctx); err == nil {
		t.Fatal("store still open after shutdown")
	}
}

func TestAppWithoutMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsEnabled = false
	a, err := newApp(cfg, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer a.shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("/metrics status = %d, want 404", rec.Code)
	}
}

func TestAppServesTLS(t *testing.T) {
	cfg := testConfig()
	cfg.TLSAutoGen = true
	cfg.TLSCertDir = t.TempDir()
	a, err := newApp(cfg, "test")
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.shutdown(context.Background())
	if a.httpServer.TLSConfig == nil {
		t.Fatal("expected TLS config")
	}

	srv := httptest.NewUnstartedServer(a.handler)
	srv.TLS = a.httpServer.TLSConfig.Clone()
	srv.StartTLS()
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health over TLS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestNewAppFailsOnMissingKeyPair(t *testing.T) {
	cfg := testConfig()
	cfg.TLSCertFile = "/nonexistent/server.crt"
	cfg.TLSKeyFile = "/nonexistent/server.key"
	if _, err := newApp(cfg, "test"); err == nil {
		t.Fatal("expected error for missing key pair")
	}
}

func scrape(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func containsAll(s string, wants []string) bool {
	for _, w := range wants {
		if !strings.Contains(s, w) {
			return false
		}
	}
	return true
}
