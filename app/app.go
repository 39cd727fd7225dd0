// Package app assembles the engine, the lab and the stores selected by a
// configuration. It is shared by the server and the command line tool.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/nomis52/goactivity/builder"
	"github.com/nomis52/goactivity/config"
	"github.com/nomis52/goactivity/demo"
	"github.com/nomis52/goactivity/engine"
	"github.com/nomis52/goactivity/history"
	"github.com/nomis52/goactivity/locks"
	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/metrics"
)

// App holds the components built from a configuration.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Locker   locks.Locker
	Lab      *demo.Lab
	Registry *builder.Registry
	Engine   *engine.Engine
	History  history.Store

	closers []func() error
}

type options struct {
	metrics metrics.Registry
	lab     []demo.Option
}

// Option configures New.
type Option func(*options)

// WithMetrics sets the registry receiving the engine metrics.
func WithMetrics(reg metrics.Registry) Option {
	return func(o *options) {
		o.metrics = reg
	}
}

// WithLabOptions configures the simulated lab.
func WithLabOptions(opts ...demo.Option) Option {
	return func(o *options) {
		o.lab = append(o.lab, opts...)
	}
}

// New builds and starts the components selected by cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{metrics: metrics.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}
	if err := a.init(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, o options) error {
	locker, err := a.openLocker(ctx)
	if err != nil {
		return err
	}
	a.Locker = locker

	store, err := a.openHistory()
	if err != nil {
		return err
	}
	a.History = store

	a.Lab = demo.NewLab(locker, o.lab...)
	a.Registry = builder.NewRegistry(
		builder.WithLogger(a.Logger),
		builder.WithDefaultTimeout(a.Config.Engine.DefaultTimeout),
	)
	demo.Register(a.Registry, a.Lab)

	eng, err := engine.New(
		engine.WithLogger(a.Logger),
		engine.WithFactory(a.Registry),
		engine.WithMetrics(o.metrics),
		engine.WithDispatcherName(a.Config.Engine.DispatcherName),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	eng.Start()
	a.Engine = eng
	a.closers = append(a.closers, func() error {
		eng.Stop()
		return nil
	})
	return nil
}

func (a *App) openLocker(ctx context.Context) (locks.Locker, error) {
	cfg := a.Config.Locks
	switch cfg.Backend {
	case config.BackendRedis:
		r, err := locks.DialRedis(ctx, cfg.Redis.Addr,
			locks.WithPrefix(cfg.Redis.Prefix),
			locks.WithTTL(cfg.Redis.TTL))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, r.Close)
		a.Logger.Info("using redis locks", "addr", cfg.Redis.Addr)
		return r, nil
	default:
		return locks.NewMemory(), nil
	}
}

func (a *App) openHistory() (history.Store, error) {
	cfg := a.Config.History
	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := history.NewSQLiteStore(cfg.SQLite.Path, cfg.Limit, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.BackendDisk:
		s, err := history.NewDiskStore(cfg.Disk.Dir, cfg.Limit, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		return s, nil
	default:
		return history.NewMemoryStore(cfg.Limit), nil
	}
}

// Close stops the engine and releases the stores, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Run executes selector with the configured machine data overridden by data
// and waits for it to complete. Cancelling ctx quits the machine
// immediately; the interrupted completion is still returned.
func (a *App) Run(ctx context.Context, selector string, data map[string]any) (engine.Completion, error) {
	if !a.Registry.Has(selector) {
		return engine.Completion{}, fmt.Errorf("%w: %q", builder.ErrUnknownSelector, selector)
	}
	merged := a.Config.MachineData(selector)
	maps.Copy(merged, data)

	cfg := machine.NewConfiguration(selector, merged)
	cfg.ID = uuid.New()
	cfg.Logger = a.Logger.With("machine_id", cfg.ID.String())

	done := make(chan engine.Completion, 1)
	sub := a.Engine.OnCompletion(func(c engine.Completion) {
		if c.ID == cfg.ID {
			done <- c
		}
	})
	defer sub.Close()

	m, err := a.Engine.ExecuteActivityMachine(cfg)
	if err != nil {
		return engine.Completion{}, err
	}

	select {
	case c := <-done:
		return c, nil
	case <-ctx.Done():
		m.EmergencyQuit("cancelled")
		return <-done, nil
	}
}
