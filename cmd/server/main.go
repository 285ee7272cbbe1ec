package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/saveenergy/latbench/internal/api"
	"github.com/saveenergy/latbench/internal/bench"
	"github.com/saveenergy/latbench/internal/config"
	"github.com/saveenergy/latbench/internal/logging"
	"github.com/saveenergy/latbench/internal/metrics"
	"github.com/saveenergy/latbench/internal/observability"
	"github.com/saveenergy/latbench/internal/payload"
	"github.com/saveenergy/latbench/internal/reaper"
	"github.com/saveenergy/latbench/internal/session"
	"github.com/saveenergy/latbench/internal/store"
	"github.com/saveenergy/latbench/internal/tlsconfig"
	"github.com/saveenergy/latbench/internal/websocket"
)

const shutdownTimeout = 30 * time.Second

// Run is the entry point of `latbench server`.
func Run(args []string, version string) int {
	cfg := config.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "latbench server: failed to load config: %v\n", err)
		return 1
	}

	fs, fv := buildServerFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(fs)
			return 0
		}
		fmt.Fprintf(os.Stderr, "latbench server: %v\n", err)
		return 2
	}
	if err := applyServerFlagOverrides(cfg, fs, fv); err != nil {
		fmt.Fprintf(os.Stderr, "latbench server: %v\n", err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "latbench server: invalid configuration: %v\n", err)
		return 2
	}

	logging.Init(cfg.LogLevel)

	a, err := newApp(cfg, version)
	if err != nil {
		logging.Error("Failed to start", logging.Field{Key: "error", Value: err})
		return 1
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	serveErr := make(chan error, 1)
	go func() {
		logging.Info("Server starting",
			logging.Field{Key: "address", Value: cfg.Address()},
			logging.Field{Key: "tls", Value: cfg.TLSEnabled()},
			logging.Field{Key: "database", Value: cfg.DatabasePath},
			logging.Field{Key: "version", Value: version})
		var err error
		if a.httpServer.TLSConfig != nil {
			err = a.httpServer.ListenAndServeTLS("", "")
		} else {
			err = a.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	exitCode := 0
	select {
	case sig := <-quit:
		logging.Info("Shutting down server...", logging.Field{Key: "signal", Value: sig.String()})
	case err := <-serveErr:
		logging.Error("Server failed", logging.Field{Key: "error", Value: err})
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.shutdown(ctx)

	logging.Info("Server stopped")
	return exitCode
}

// app is one fully wired server instance.
type app struct {
	cfg        *config.Config
	store      *store.Store
	reaper     *reaper.Reaper
	ws         *websocket.Server
	handler    http.Handler
	httpServer *http.Server
	pprof      *http.Server
	stopStats  chan struct{}
}

func newApp(cfg *config.Config, version string) (*app, error) {
	var tlsConfig *tls.Config
	if cfg.TLSEnabled() {
		tc, err := tlsconfig.Load(cfg)
		if err != nil {
			return nil, err
		}
		tlsConfig = tc
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var (
		observer       *observability.Observer
		metricsHandler http.Handler
	)
	reg := observability.NewRegistry()
	if cfg.MetricsEnabled {
		observer = observability.NewObserver(reg)
		metricsHandler = observability.Handler(reg)
	}

	engine := metrics.NewEngine(st, metrics.WithObserver(observer))
	if err := engine.SeedTail(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("seed jitter tail: %w", err)
	}

	payloads := payload.NewManager(st,
		payload.WithMaxInts(cfg.MaxPayloadInts),
		payload.WithObserver(observer))
	r := reaper.New(payloads,
		reaper.WithSource(payloads),
		reaper.WithQueueSize(cfg.ReaperQueueSize),
		reaper.WithSweepInterval(cfg.ReaperSweepInterval))
	payloads.SetScheduler(r)
	r.Start()
	observer.TrackQueue(reg, func() int { return r.Stats().Pending })

	registrar := session.NewRegistrar(st, nil)
	svc := bench.NewService(engine, payloads, registrar)

	wsServer := websocket.NewServer(svc)
	wsServer.SetAllowedOrigins(cfg.AllowedOrigins)
	wsServer.SetPingInterval(cfg.WebSocketPingInterval)
	wsServer.SetMaxFrameBytes(cfg.MaxFrameBytes)
	if observer != nil {
		wsServer.SetObserver(observer)
	}

	apiHandler := api.NewHandler(st)
	apiHandler.SetVersion(version)
	apiHandler.SetClockLookup(registrar)

	router := api.NewRouter(apiHandler)
	router.SetRateLimiter(cfg)
	router.SetClientIPResolver(api.NewClientIPResolver(cfg))
	router.SetAllowedOrigins(cfg.AllowedOrigins)
	router.SetConnectHandler(wsServer.HandleConnect)
	if metricsHandler != nil {
		router.SetMetricsHandler(metricsHandler)
	}
	handler := router.SetupRoutes()

	a := &app{
		cfg:     cfg,
		store:   st,
		reaper:  r,
		ws:      wsServer,
		handler: handler,
		httpServer: &http.Server{
			Addr:              cfg.Address(),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			TLSConfig:         tlsConfig,
		},
		stopStats: make(chan struct{}),
	}
	a.pprof = startPprofServer(cfg)
	startRuntimeStatsLogger(cfg, a.stopStats, a.benchStats)
	return a, nil
}

func (a *app) benchStats() []logging.Field {
	rs := a.reaper.Stats()
	return []logging.Field{
		{Key: "ws_clients", Value: a.ws.ClientCount()},
		{Key: "reaper_pending", Value: rs.Pending},
		{Key: "reaper_fired", Value: rs.Fired},
		{Key: "reaper_dropped", Value: rs.Dropped},
	}
}

// shutdown stops intake first and storage last: HTTP, websocket clients,
// the reaper (which fires what is already due), then the store.
func (a *app) shutdown(ctx context.Context) {
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logging.Error("Server shutdown error", logging.Field{Key: "error", Value: err})
	}
	shutdownPprofServer(a.pprof, 5*time.Second)
	close(a.stopStats)

	a.ws.Close()
	a.reaper.Stop()
	a.store.Close()
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stdout, `Usage: latbench server [flags]

Flags override environment variables (PORT, DATABASE_PATH, ALLOWED_ORIGINS, ...).

Flags:
%s`, fs.FlagUsages())
}
