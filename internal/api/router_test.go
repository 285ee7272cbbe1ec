package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/saveenergy/latbench/internal/config"
	"github.com/saveenergy/latbench/internal/session"
	"github.com/saveenergy/latbench/internal/store"
	"github.com/saveenergy/latbench/pkg/types"
)

func newTestRouter(t *testing.T, cfg *config.Config) (http.Handler, *store.Store) {
	t.Helper()
	st, err := store.Open(config.MemoryDatabase)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)

	h := NewHandler(st)
	h.SetVersion("1.2.3")
	router := NewRouter(h)
	if cfg != nil {
		router.SetRateLimiter(cfg)
		router.SetAllowedOrigins(cfg.AllowedOrigins)
	}
	return router.SetupRoutes(), st
}

func seedLogs(t *testing.T, st *store.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := types.LogRecord{
			Sent:      1000 + float64(i),
			Received:  1000.02 + float64(i),
			Latency:   0.02,
			Jitter:    0.001,
			UnderLoad: i%2 == 1,
		}
		if _, err := st.InsertLog(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
}

func get(h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersion(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	rec := get(h, "/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}

	rec = get(h, "/api/v1/version")
	var v VersionResponse
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil || v.Version != "1.2.3" {
		t.Fatalf("version = %+v, %v", v, err)
	}
}

func TestListLogsPaging(t *testing.T) {
	h, st := newTestRouter(t, nil)
	seedLogs(t, st, 5)

	rec := get(h, "/api/v1/logs?limit=2")
	var page LogsResponse
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if len(page.Logs) != 2 || page.Logs[0].ID != 1 || page.NextAfter != 2 {
		t.Fatalf("first page = %+v", page)
	}

	rec = get(h, "/api/v1/logs?after=4&limit=2")
	page = LogsResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if len(page.Logs) != 1 || page.Logs[0].ID != 5 || page.NextAfter != 0 {
		t.Fatalf("last page = %+v", page)
	}

	if rec := get(h, "/api/v1/logs?after=-1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor status = %d", rec.Code)
	}
	if rec := get(h, "/api/v1/logs?limit=0"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}
}

func TestExportEmptyIsHeaderOnly(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	rec := get(h, "/api/v1/logs/export")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "Id,Sent,Received,Latency,Jitter,UnderLoad\n" {
		t.Fatalf("body = %q", got)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "benchmark_logs.csv") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
}

func TestExportZstd(t *testing.T) {
	h, st := newTestRouter(t, nil)
	seedLogs(t, st, 3)

	rec := get(h, "/api/v1/logs/export", "Accept-Encoding", "gzip, zstd")
	if rec.Header().Get("Content-Encoding") != "zstd" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	dec, err := zstd.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	body, err := io.ReadAll(dec)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want header + 3", len(lines))
	}
	if lines[2] != "2,1001.000000,1001.020000,0.020000,0.001000,true" {
		t.Fatalf("row = %q", lines[2])
	}
}

func TestSummary(t *testing.T) {
	h, st := newTestRouter(t, nil)
	seedLogs(t, st, 4)

	rec := get(h, "/api/v1/logs/summary")
	var s types.RunSummary
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.Records != 4 || s.Idle.Latency.Count != 2 || s.Loaded.Latency.Count != 2 {
		t.Fatalf("summary = %+v", s)
	}
	if s.Interpretation == nil || s.Interpretation.BufferbloatGrade != "A" {
		t.Fatalf("interpretation = %+v", s.Interpretation)
	}
}

func TestGetClock(t *testing.T) {
	h, st := newTestRouter(t, nil)
	id := "a3bb189e-8bf9-3888-9912-ace4e6543002"

	if rec := get(h, "/api/v1/clocks/"+id); rec.Code != http.StatusNotFound {
		t.Fatalf("missing clock status = %d", rec.Code)
	}
	if rec := get(h, "/api/v1/clocks/system"); rec.Code != http.StatusBadRequest {
		t.Fatalf("non-uuid status = %d", rec.Code)
	}

	if err := st.ReplaceClock(context.Background(), types.ConnectionClock{Identity: types.Identity(id), Clock: 1050}); err != nil {
		t.Fatal(err)
	}
	rec := get(h, "/api/v1/clocks/"+id)
	var c types.ConnectionClock
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil || c.Clock != 1050 {
		t.Fatalf("clock = %+v, %v", c, err)
	}
}

func TestGetClockThroughRegistrar(t *testing.T) {
	st, err := store.Open(config.MemoryDatabase)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)

	connectedAt := time.Unix(1_700_000_000, 500_000_000)
	registrar := session.NewRegistrar(st, func() time.Time { return connectedAt })
	h := NewHandler(st)
	h.SetClockLookup(registrar)
	routes := NewRouter(h).SetupRoutes()

	id := types.Identity("5d0c3c1e-7a8b-4c9d-8e0f-112233445566")
	if rec := get(routes, "/api/v1/clocks/"+string(id)); rec.Code != http.StatusNotFound {
		t.Fatalf("before connect status = %d", rec.Code)
	}
	if _, err := registrar.OnConnect(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	rec := get(routes, "/api/v1/clocks/"+string(id))
	var c types.ConnectionClock
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Identity != id || c.Clock != types.UnixSeconds(connectedAt) {
		t.Fatalf("clock = %+v", c)
	}
}

func TestRateLimitAppliesToAPI(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimitPerIP = 0.001
	cfg.RateLimitBurst = 2
	h, _ := newTestRouter(t, cfg)

	for i := 0; i < 2; i++ {
		if rec := get(h, "/api/v1/version"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := get(h, "/api/v1/version")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("status = %d, Retry-After = %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if rec := get(h, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health must not be limited, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AllowedOrigins = []string{"https://bench.example.com"}
	h, _ := newTestRouter(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/logs/export", nil)
	req.Header.Set("Origin", "https://bench.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("allowed preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://bench.example.com" {
		t.Fatalf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/logs/export", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign preflight status = %d", rec.Code)
	}
}

func TestAcceptsZstd(t *testing.T) {
	cases := map[string]bool{
		"":               false,
		"gzip":           false,
		"zstd":           true,
		"gzip, ZSTD":     true,
		"zstd;q=0":       false,
		"zstd; q=0.5, *": true,
	}
	for header, want := range cases {
		if got := acceptsZstd(header); got != want {
			t.Errorf("acceptsZstd(%q) = %v, want %v", header, got, want)
		}
	}
}

func TestRouterAllowedOriginWildcard(t *testing.T) {
	router := &Router{
		allowedOrigins: []string{"*.example.com"},
	}

	if !router.isAllowedOrigin("https://foo.example.com") {
		t.Fatalf("expected wildcard origin to be allowed")
	}
}

func TestRouterAllowedOriginHostMatch(t *testing.T) {
	router := &Router{
		allowedOrigins: []string{"foo.example.com"},
	}

	if !router.isAllowedOrigin("https://foo.example.com:8443") {
		t.Fatalf("expected host-only origin to be allowed")
	}
}
