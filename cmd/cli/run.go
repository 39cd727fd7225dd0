package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"

	"github.com/nomis52/goactivity/app"
	"github.com/nomis52/goactivity/config"
	"github.com/nomis52/goactivity/engine"
	"github.com/nomis52/goactivity/history"
	"github.com/nomis52/goactivity/logging"
	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/metrics"
)

type runOptions struct {
	set   []string
	load  []string
	quiet bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <selector>",
		Short: "Run a selector and wait for it to complete",
		Example: `  goactivity run MoveTray --load Incubator=plate-1 --set From=Incubator --set To=Reader
  goactivity run Calibrate --set 'Positions=[0, 10, 20]'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSelector(ctx, cmd, cfg, args[0], opts)
		},
	}
	cmd.Flags().StringArrayVar(&opts.set, "set", nil, "Machine data as key=value, values are YAML")
	cmd.Flags().StringArrayVar(&opts.load, "load", nil, "Place a tray on a station before running, as station=tray")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Only print the result")
	return cmd
}

func runSelector(ctx context.Context, cmd *cobra.Command, cfg *config.Config, selector string, opts runOptions) error {
	data, err := parseAssignments(opts.set)
	if err != nil {
		return err
	}
	trays, err := parsePairs(opts.load)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()

	out := cmd.OutOrStdout()
	if !opts.quiet {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(newSpanPrinter(out)))
		otel.SetTracerProvider(provider)
		defer provider.Shutdown(context.Background())
	}

	var registry metrics.Registry = metrics.Nop()
	var push *metrics.PushRegistry
	if cfg.Metrics.Push.URL != "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		push = metrics.NewPushRegistry(metrics.PushConfig{
			URL:      cfg.Metrics.Push.URL,
			Prefix:   cfg.Metrics.Push.Prefix,
			Job:      cfg.Metrics.Push.JobName,
			Instance: hostname,
			Logger:   logger.Logger,
		})
		registry = push
	}

	a, err := app.New(ctx, cfg, logger.Logger, app.WithMetrics(registry))
	if err != nil {
		return err
	}
	defer a.Close()
	recording := history.Record(a.Engine, a.History, logger.Logger)
	defer recording.Close()

	for station, tray := range trays {
		if _, err := a.Lab.Load(station, tray); err != nil {
			return err
		}
	}

	c, err := a.Run(ctx, selector, data)
	if err != nil {
		return err
	}
	fmt.Fprint(out, renderCompletion(c))

	if push != nil {
		if err := pushCompletion(ctx, push, selector, c); err != nil {
			logger.Warn("failed to push run metrics", "error", err)
		}
	}
	if c.Cause != machine.CauseFinished {
		return fmt.Errorf("%s %s", selector, c.Cause)
	}
	return nil
}

func pushCompletion(ctx context.Context, push *metrics.PushRegistry, selector string, c engine.Completion) error {
	labels := map[string]string{"selector": selector, "cause": c.Cause.String()}
	now := time.Now()
	return push.Flush(ctx,
		metrics.Metric{Name: "run_duration_seconds", Value: c.Duration().Seconds(), Labels: labels, Timestamp: now},
		metrics.Metric{Name: "run_completed_timestamp_seconds", Value: float64(c.CompletedAt.Unix()), Labels: labels, Timestamp: now},
	)
}

// parseAssignments parses key=value pairs, decoding each value as YAML so
// numbers and lists keep their type.
func parseAssignments(assignments []string) (map[string]any, error) {
	pairs, err := parsePairs(assignments)
	if err != nil {
		return nil, err
	}
	data := make(map[string]any, len(pairs))
	for key, raw := range pairs {
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		data[key] = v
	}
	return data, nil
}

func parsePairs(pairs []string) (map[string]string, error) {
	result := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		result[key] = value
	}
	return result, nil
}
