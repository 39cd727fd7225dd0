package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/goactivity/app"
	"github.com/nomis52/goactivity/buildinfo"
	"github.com/nomis52/goactivity/config"
	"github.com/nomis52/goactivity/logging"
	"github.com/nomis52/goactivity/metrics"
	"github.com/nomis52/goactivity/server"
)

type Args struct {
	ConfigPath string
	ListenAddr string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := parseArgs()

	cfg := config.Default()
	if args.ConfigPath != "" {
		loaded, err := config.LoadConfig(args.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()
	build := buildinfo.Get()
	logger.Info("goactivity server starting", "config_path", args.ConfigPath, "commit", build.GitCommit, "build_time", build.BuildTime)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scrape, err := metrics.NewScrapeRegistry(metrics.WithConstLabels(prometheus.Labels{"dispatcher": cfg.Engine.DispatcherName}))
	if err != nil {
		return fmt.Errorf("failed to create metrics registry: %w", err)
	}

	a, err := app.New(ctx, cfg, logger.Logger, app.WithMetrics(scrape))
	if err != nil {
		return err
	}
	defer a.Close()

	opts := []server.Option{
		server.WithLogger(logger.Logger),
		server.WithLogLevel(logger),
		server.WithHistory(a.History),
		server.WithMetricsHandler(scrape.Handler()),
	}
	if args.ConfigPath != "" {
		opts = append(opts, server.WithConfigPath(args.ConfigPath))
	}
	if args.ListenAddr != "" {
		opts = append(opts, server.WithListenAddr(args.ListenAddr))
	}

	srv, err := server.New(a.Engine, a.Registry, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	return srv.Run(ctx)
}

func parseArgs() Args {
	configPath := flag.String("config", "", "Path to config file")
	configPathShort := flag.String("c", "", "Path to config file (shorthand)")
	listenAddr := flag.String("listen", "", "Listen address, overrides the config file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\ngoactivity server - runs activity machines over HTTP\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --config /etc/goactivity/config.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -c config.yaml --listen :9090\n", os.Args[0])
	}

	flag.Parse()

	path := *configPath
	if path == "" && *configPathShort != "" {
		path = *configPathShort
	}

	return Args{
		ConfigPath: path,
		ListenAddr: *listenAddr,
	}
}
