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
	"strconv"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/acmacalister/adproxy"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: search ./adproxy.yaml, ~/.adproxy, /etc/adproxy)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")
		genPAC     = flag.String("gen-pac", "", "generate PAC file at path and exit")
		port       = flag.Int("port", 0, "port to listen on, localhost only (default: $PORT or 8080)")
		verbose    = flag.Bool("v", false, "verbose logging")
		metrics    = flag.Bool("metrics", false, "enable Prometheus /metrics endpoint")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [filters-dir] [cache-size]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *genConfig {
		if err := adproxy.WriteExampleConfig("adproxy.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated adproxy.yaml")
		return
	}

	cfg, err := adproxy.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if err := applyFlags(cfg, *port, *verbose, *metrics, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	if *genPAC != "" {
		cfg.Server.PAC = true
		if err := cfg.BuildPAC().WriteFile(*genPAC); err != nil {
			fmt.Fprintln(os.Stderr, "generate PAC file:", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", *genPAC)
		return
	}

	logger, closeLog, err := adproxy.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("proxy error", "error", err)
		os.Exit(1)
	}
}

// applyFlags layers command line settings over the loaded config.
func applyFlags(cfg *adproxy.Config, port int, verbose, metrics bool, args []string) error {
	if port == 0 {
		if env := os.Getenv("PORT"); env != "" {
			p, err := strconv.Atoi(env)
			if err != nil {
				return fmt.Errorf("invalid PORT %q: %w", env, err)
			}
			port = p
		}
	}
	if port != 0 {
		cfg.Server.Addr = ""
		cfg.Server.Port = port
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if metrics {
		cfg.Metrics.Enabled = true
	}

	if len(args) > 2 {
		return errors.New("too many arguments")
	}
	if len(args) > 0 {
		cfg.Filter.Dir = args[0]
	}
	if len(args) > 1 {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(args[1])); err != nil {
			return fmt.Errorf("invalid cache size %q: %w", args[1], err)
		}
		cfg.Cache.Capacity = size
	}
	return cfg.Validate()
}

func run(cfg *adproxy.Config, logger *slog.Logger) error {
	var m *adproxy.Metrics
	if cfg.Metrics.Enabled {
		m = adproxy.NewMetrics()
	}

	engine := adproxy.NewEngine(cfg.BuildRuleSource(&http.Client{Timeout: cfg.Upstream.Timeout}))
	engine.Logger = logger
	if m != nil {
		engine.OnReload = func(s adproxy.CompileStats) {
			m.SetFilterStats(s)
			m.RecordFilterReload()
		}
		engine.OnError = func(error) { m.RecordFilterReloadError() }
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Load(ctx); err != nil {
		return fmt.Errorf("initial filter load: %w", err)
	}
	if cfg.Filter.ReloadInterval > 0 {
		cancel := engine.StartAutoReload(ctx, cfg.Filter.ReloadInterval)
		defer cancel()
		logger.Info("filter auto-reload enabled", "interval", cfg.Filter.ReloadInterval)
	}
	reloader := adproxy.WatchSIGHUP(logger, engine)
	defer reloader.Cancel()

	cache := cfg.BuildCache(logger, m)
	fetcher, pool, upstream, err := cfg.BuildFetcher()
	if err != nil {
		return err
	}
	defer pool.CloseIdleConnections()

	resources, err := cfg.BuildResources()
	if err != nil {
		return fmt.Errorf("load resources: %w", err)
	}
	blockPage, err := cfg.BuildBlockPage()
	if err != nil {
		return fmt.Errorf("load block page: %w", err)
	}
	bypass, err := cfg.BuildBypass(logger)
	if err != nil {
		return err
	}

	sinks := adproxy.MultiSink{adproxy.LogSink{Logger: logger}}
	var onDrop func()
	if m != nil {
		sinks = append(sinks, adproxy.MetricsSink{Metrics: m})
		onDrop = m.RecordEventDropped
	}
	events := adproxy.NewAsyncSink(sinks, cfg.Server.EventBuffer, onDrop)
	defer events.Close()

	pipeline := &adproxy.Pipeline{
		Classifier:  engine,
		Cache:       cache,
		Resources:   resources,
		Events:      events,
		BlockStatus: cfg.Block.Status,
		BlockPage:   blockPage,
		VaryHeaders: cfg.Cache.VaryHeaders,
		Logger:      logger,
	}

	health := adproxy.NewHealthChecker()
	health.AddCheck("filters", adproxy.EngineReady(engine))

	proxy := adproxy.NewProxy(cfg.ListenAddr(), pipeline, fetcher)
	proxy.Logger = logger
	proxy.Metrics = m
	proxy.HealthChecker = health
	proxy.PACHandler = cfg.BuildPAC()
	proxy.UpstreamProxy = upstream
	proxy.RateLimiter = cfg.BuildRateLimiter()
	proxy.Bypass = bypass
	proxy.Compressor = cfg.BuildCompressor()
	proxy.BodyLimit = cfg.BuildBodyLimiter()
	proxy.DialTimeout = cfg.Upstream.DialTimeout
	if cfg.Logging.AccessLog {
		proxy.AccessLog = adproxy.NewAccessLogger(logger)
	}
	if cfg.Admin.Enabled {
		admin := adproxy.NewAdminAPI(engine, cache)
		admin.Logger = logger
		admin.PathPrefix = cfg.Admin.PathPrefix
		admin.VaryHeaders = cfg.Cache.VaryHeaders
		admin.Pool = pool
		admin.Compressor = proxy.Compressor
		proxy.Admin = admin
	}
	if m != nil && cache != nil {
		go reportCacheSize(ctx, cache, m)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		health.SetReady(false)
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = proxy.Shutdown(sctx)
	}()

	health.SetAlive(true)
	health.SetReady(true)
	logger.Info("starting proxy", "addr", cfg.ListenAddr(), "cache", cfg.Cache.Capacity.HumanReadable())

	if err := proxy.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func reportCacheSize(ctx context.Context, cache *adproxy.ResponseCache, m *adproxy.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := cache.Stats()
			m.SetCacheSize(s.Entries, s.Weight)
		}
	}
}
