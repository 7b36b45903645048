package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NERVsystems/tilestream/pkg/coords"
	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/geo"
	"github.com/NERVsystems/tilestream/pkg/monitoring"
	"github.com/NERVsystems/tilestream/pkg/osm"
	"github.com/NERVsystems/tilestream/pkg/scene"
	"github.com/NERVsystems/tilestream/pkg/search"
	"github.com/NERVsystems/tilestream/pkg/server"
	"github.com/NERVsystems/tilestream/pkg/source"
	"github.com/NERVsystems/tilestream/pkg/tiling"
	"github.com/NERVsystems/tilestream/pkg/tools"
	"github.com/NERVsystems/tilestream/pkg/tracing"
	ver "github.com/NERVsystems/tilestream/pkg/version"
)

var (
	showVersionFlag bool
	debug           bool

	// Element source
	dataFile       string
	overpassURL    string
	overpassRPS    float64
	overpassBurst  int
	overpassTTL    time.Duration
	userAgent      string
	healthInterval time.Duration

	// Tiling
	origin        string
	tileSize      float64
	tileOffset    float64
	sensitivity   float64
	autoClean     bool
	renderMode    string
	overviewScale int
	viewport      float64
	maxLoads      int

	// HTTP transport
	enableHTTP    bool
	httpOnly      bool
	httpAddr      string
	httpBaseURL   string
	httpAuthType  string
	httpAuthToken string
	httpRateLimit float64
	httpRateBurst int
	tlsCertFile   string
	tlsKeyFile    string

	// Monitoring
	enableMonitoring bool
	monitoringAddr   string
)

func init() {
	defaults := tiling.DefaultConfig()
	httpDefaults := server.DefaultHTTPTransportConfig()

	flag.BoolVar(&showVersionFlag, "version", false, "Display version information")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")

	flag.StringVar(&dataFile, "file", "", "Serve elements from an .osm or .osm.pbf file instead of Overpass")
	flag.StringVar(&overpassURL, "overpass", osm.OverpassBaseURL, "Overpass interpreter URL")
	flag.Float64Var(&overpassRPS, "overpass-rps", 1.0, "Overpass rate limit in requests per second")
	flag.IntVar(&overpassBurst, "overpass-burst", 1, "Overpass rate limit burst size")
	flag.DurationVar(&overpassTTL, "overpass-cache-ttl", 5*time.Minute, "How long fetched Overpass boxes are reused")
	flag.StringVar(&userAgent, "user-agent", osm.DefaultUserAgent, "User-Agent string for Overpass requests")
	flag.DurationVar(&healthInterval, "health-interval", 5*time.Minute, "Interval between Overpass health checks")

	flag.StringVar(&origin, "origin", "52.5163, 13.3777", "Start position and map origin (decimal, DMS, UTM or MGRS)")
	flag.Float64Var(&tileSize, "size", defaults.Size, "Scene tile edge length in meters")
	flag.Float64Var(&tileOffset, "offset", defaults.Offset, "Distance before the tile border at which neighbours load")
	flag.Float64Var(&sensitivity, "sensitivity", defaults.Sensitivity, "Minimum movement in meters that updates the tiles")
	flag.BoolVar(&autoClean, "autoclean", defaults.AutoClean, "Dispose tiles that leave the retention window")
	flag.StringVar(&renderMode, "render-mode", defaults.RenderMode.String(), "Initial render mode: scene or overview")
	flag.IntVar(&overviewScale, "overview-scale", defaults.OverviewScale, "Overview cell size in scene tiles")
	flag.Float64Var(&viewport, "viewport", 0, "Viewport edge length in meters (default three tiles)")
	flag.IntVar(&maxLoads, "max-loads", defaults.MaxConcurrentLoads, "Maximum concurrent tile loads")

	flag.BoolVar(&enableHTTP, "enable-http", false, "Enable HTTP+SSE transport (in addition to stdio)")
	flag.BoolVar(&httpOnly, "http-only", false, "Run HTTP transport only, skip stdio (requires -enable-http)")
	flag.StringVar(&httpAddr, "http-addr", httpDefaults.Addr, "HTTP server address")
	flag.StringVar(&httpBaseURL, "http-base-url", "", "Base URL for HTTP transport (auto-detected if empty)")
	flag.StringVar(&httpAuthType, "http-auth-type", httpDefaults.AuthType, "HTTP authentication type: none, bearer, basic")
	flag.StringVar(&httpAuthToken, "http-auth-token", "", "HTTP bearer token, or user:password for basic")
	flag.Float64Var(&httpRateLimit, "http-rate-limit", httpDefaults.RateLimit, "HTTP requests per second per client, 0 disables")
	flag.IntVar(&httpRateBurst, "http-rate-burst", httpDefaults.RateBurst, "HTTP rate limit burst size")
	flag.StringVar(&tlsCertFile, "tls-cert", "", "TLS certificate file for the HTTP transport")
	flag.StringVar(&tlsKeyFile, "tls-key", "", "TLS private key file for the HTTP transport")

	flag.BoolVar(&enableMonitoring, "enable-monitoring", true, "Enable Prometheus metrics and health endpoints")
	flag.StringVar(&monitoringAddr, "monitoring-addr", ":9090", "Monitoring server address")
}

func main() {
	flag.Parse()

	if showVersionFlag {
		fmt.Println(ver.String())
		return
	}

	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("tilestream failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(logger *slog.Logger) error {
	cfg, err := tilingConfig()
	if err != nil {
		return err
	}
	if httpOnly && !enableHTTP {
		return core.NewError(core.ErrInvalidConfig, "-http-only requires -enable-http")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, ver.BuildVersion)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				logger.Error("error shutting down tracing", "error", err)
			}
		}()
		if endpoint := os.Getenv("OTLP_ENDPOINT"); endpoint != "" {
			logger.Info("OpenTelemetry tracing enabled", "endpoint", endpoint)
		}
	}

	logger.Info("starting tile streamer",
		"version", ver.BuildVersion,
		"log_level", levelName(),
		"origin", cfg.Origin.String(),
		"size", cfg.Size,
		"offset", cfg.Offset,
		"render_mode", cfg.RenderMode.String(),
		"file", dataFile,
		"http_enabled", enableHTTP,
		"monitoring_enabled", enableMonitoring)

	var healthChecker *monitoring.HealthChecker
	if enableMonitoring {
		healthChecker = monitoring.NewHealthChecker(monitoring.ServiceName, ver.BuildVersion)
		defer healthChecker.Shutdown()
		osm.SetMonitoringHooks(monitoringHooks())
	}

	src, cleanup, err := openSource(ctx, logger, healthChecker)
	if err != nil {
		return err
	}
	defer cleanup()
	provider := source.Static(src)

	loader := scene.NewLoader(provider, cfg.Origin, scene.WithLoaderLogger(logger))
	manager, err := tiling.NewManager(cfg, loader, scene.NewActivator(logger),
		tiling.WithLogger(logger),
		tiling.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	if healthChecker != nil {
		healthChecker.SetTileStats(manager.Stats)
	}

	// the origin is the map point (0,0), so streaming starts there
	feed := tiling.NewPositionFeed()
	feed.Push(geo.NewMapPoint(0, 0))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx, feed.C()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("tile manager stopped", "error", err)
		}
	}()
	defer func() {
		stop()
		wg.Wait()
		manager.Close()
	}()

	registry := tools.NewRegistry(logger, tools.Deps{
		Manager: manager,
		Loader:  loader,
		Search:  search.NewEngine(provider, search.WithLogger(logger)),
	})
	s := server.NewServer(logger, registry)

	if enableMonitoring {
		startMonitoringServer(ctx, logger, healthChecker)
	}

	if enableHTTP {
		if err := startHTTPTransport(ctx, logger, s, healthChecker); err != nil {
			return err
		}
	}

	switch {
	case !enableHTTP:
		logger.Info("transport_enabled", "type", "stdio", "mode", "blocking")
		// stdin closing ends the session, and with it the process
		err := s.RunWithContext(ctx)
		stop()
		return err
	case httpOnly:
		logger.Info("server_ready", "transports", []string{"http"}, "http_only", true)
		<-ctx.Done()
	default:
		go func() {
			logger.Info("transport_enabled", "type", "stdio", "mode", "background")
			if err := s.RunWithContext(ctx); err != nil {
				logger.Error("stdio transport error", "error", err)
			}
		}()
		logger.Info("server_ready", "transports", []string{"stdio", "http"})
		<-ctx.Done()
	}
	logger.Info("shutdown signal received")
	return nil
}

func levelName() string {
	if debug {
		return slog.LevelDebug.String()
	}
	return slog.LevelInfo.String()
}

// tilingConfig builds the manager configuration from flags.
func tilingConfig() (tiling.Config, error) {
	pos, err := coords.Parse(origin)
	if err != nil {
		return tiling.Config{}, fmt.Errorf("-origin: %w", err)
	}
	mode, err := tiling.ParseRenderMode(renderMode)
	if err != nil {
		return tiling.Config{}, fmt.Errorf("-render-mode: %w", err)
	}

	cfg := tiling.DefaultConfig()
	cfg.Origin = pos.Coordinate
	cfg.Size = tileSize
	cfg.Offset = tileOffset
	cfg.Sensitivity = sensitivity
	cfg.AutoClean = autoClean
	cfg.RenderMode = mode
	cfg.OverviewScale = overviewScale
	cfg.MaxConcurrentLoads = maxLoads
	edge := viewport
	if edge == 0 {
		edge = 3 * tileSize
	}
	cfg.Viewport = geo.NewMapRectangle(0, 0, edge, edge)

	return cfg, cfg.Validate()
}

// openSource loads -file, or connects to Overpass when no file is given.
func openSource(ctx context.Context, logger *slog.Logger, hc *monitoring.HealthChecker) (source.ElementSource, func(), error) {
	if dataFile != "" {
		src, err := source.LoadFile(ctx, dataFile, source.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("loading %s: %w", dataFile, err)
		}
		return src, func() {}, nil
	}

	client := osm.NewClient(
		osm.WithBaseURL(overpassURL),
		osm.WithRateLimit(overpassRPS, overpassBurst),
		osm.WithUserAgent(userAgent),
		osm.WithLogger(logger),
	)
	src := source.NewOverpassSource(client,
		source.WithResponseCache(overpassTTL, 64),
		source.WithOverpassLogger(logger),
	)
	logger.Info("streaming from Overpass", "url", client.BaseURL(), "rps", overpassRPS, "burst", overpassBurst)

	cleanup := src.Close
	if hc != nil {
		monitor := monitoring.NewConnectionMonitor("overpass", hc, client.CheckHealth, healthInterval)
		monitor.Start()
		cleanup = func() {
			monitor.Stop()
			src.Close()
		}
	}
	return src, cleanup, nil
}

func monitoringHooks() *osm.MonitoringHooks {
	return &osm.MonitoringHooks{
		OnResponse: func(service, operation string, duration time.Duration, success bool) {
			monitoring.RecordExternalServiceRequest(service, operation, duration, success)
		},
		OnRateLimit: func(service string, waitTime time.Duration) {
			monitoring.RecordRateLimitWait(service, waitTime)
			monitoring.RecordRateLimitExceeded(service)
		},
		OnError: func(service, errorType string) {
			monitoring.RecordError(service, errorType)
		},
	}
}

// startMonitoringServer serves /metrics and the health endpoints until ctx
// is done.
func startMonitoringServer(ctx context.Context, logger *slog.Logger, hc *monitoring.HealthChecker) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	hc.Register(mux)

	srv := &http.Server{
		Addr:              monitoringAddr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting Prometheus metrics server", "addr", monitoringAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("monitoring server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown monitoring server", "error", err)
		}
	}()
}

func startHTTPTransport(ctx context.Context, logger *slog.Logger, s *server.Server, hc *monitoring.HealthChecker) error {
	config := server.DefaultHTTPTransportConfig()
	config.Addr = httpAddr
	config.BaseURL = httpBaseURL
	config.AuthType = httpAuthType
	config.AuthToken = httpAuthToken
	config.RateLimit = httpRateLimit
	config.RateBurst = httpRateBurst
	config.TLSCertFile = tlsCertFile
	config.TLSKeyFile = tlsKeyFile

	transport, err := server.NewHTTPTransport(s, config, logger)
	if err != nil {
		return err
	}
	if hc != nil {
		transport.SetHealthChecker(hc)
	}

	go func() {
		if err := transport.Start(); err != nil {
			logger.Error("HTTP transport error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := transport.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP transport", "error", err)
		}
	}()
	return nil
}
