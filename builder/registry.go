// Package builder provides the selector-keyed registry that turns a
// machine.Configuration into a ready to execute machine.
//
// A registry maps a selector such as "TrayMoving" to a Factory. Create looks
// up the factory named by the configuration selector, creates the machine
// and hands it the configuration it was created from:
//
//	reg := builder.NewRegistry()
//	reg.RegisterBuilder("Hello", machine.BuilderFunc(func(m *machine.Machine) error {
//	    return m.AddActivity(executable.Do("Greet", greet))
//	}))
//	m, err := reg.Create(machine.NewConfiguration("Hello", nil))
package builder

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/machine"
)

var (
	// ErrUnknownSelector is returned when no factory is registered for a selector.
	ErrUnknownSelector = errors.New("unknown selector")

	// ErrMissingValue is returned when a configuration lacks a value a factory needs.
	ErrMissingValue = errors.New("missing configuration value")
)

// KeyName overrides the name of the created machine.
const KeyName = "Name"

// Factory creates the machine for a configuration.
type Factory func(cfg *machine.Configuration) (executable.Machine, error)

type configurable interface {
	SetConfiguration(cfg *machine.Configuration)
}

type expirable interface {
	Timeout() time.Duration
	SetTimeout(d time.Duration)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used to report creation failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithDefaultTimeout expires created machines after d unless their factory
// set a timeout of its own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.defaultTimeout = d
	}
}

// Registry manages the available machine factories.
type Registry struct {
	logger         *slog.Logger
	defaultTimeout time.Duration

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a new empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:    slog.Default(),
		factories: make(map[string]Factory),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "builder")
	return r
}

// Register adds a factory to the registry.
// If a factory with the same selector exists, it is overwritten.
func (r *Registry) Register(selector string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[selector] = f
}

// RegisterBuilder registers a factory of plain machines assembled by b.
func (r *Registry) RegisterBuilder(selector string, b machine.Builder, opts ...machine.Option) {
	r.Register(selector, Chain(b, opts...))
}

// Has reports whether selector is registered.
func (r *Registry) Has(selector string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[selector]
	return ok
}

// Selectors returns the registered selectors in sorted order.
func (r *Registry) Selectors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	selectors := make([]string, 0, len(r.factories))
	for s := range r.factories {
		selectors = append(selectors, s)
	}
	slices.Sort(selectors)
	return selectors
}

// Create looks up the factory named by cfg.Selector and creates a machine.
// Machines that accept a configuration are given cfg.
func (r *Registry) Create(cfg *machine.Configuration) (executable.Machine, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	r.mu.RLock()
	f, ok := r.factories[cfg.Selector]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownSelector, cfg.Selector)
		r.logger.Error("machine creation failed", "selector", cfg.Selector, "error", err)
		return nil, err
	}

	var m executable.Machine
	err := executable.Safely(func() error {
		var err error
		m, err = f(cfg)
		return err
	})
	if err == nil && m == nil {
		err = fmt.Errorf("factory for %q returned no machine", cfg.Selector)
	}
	if err != nil {
		r.logger.Error("machine creation failed", "selector", cfg.Selector, "error", err)
		return nil, fmt.Errorf("creating machine for %q: %w", cfg.Selector, err)
	}

	if c, ok := m.(configurable); ok {
		c.SetConfiguration(cfg)
	}
	if e, ok := m.(expirable); ok && r.defaultTimeout > 0 && e.Timeout() <= 0 {
		e.SetTimeout(r.defaultTimeout)
	}
	r.logger.Debug("machine created", "selector", cfg.Selector, "machine", m.Name(), "id", m.ID())
	return m, nil
}

// Chain returns a factory of plain machines assembled by b. The machine is
// named by the KeyName value, defaulting to the selector.
func Chain(b machine.Builder, opts ...machine.Option) Factory {
	return func(cfg *machine.Configuration) (executable.Machine, error) {
		opts := append(slices.Clone(opts), machine.WithBuilder(b), machine.WithConfiguration(cfg))
		return machine.New(nameOf(cfg), opts...), nil
	}
}

func nameOf(cfg *machine.Configuration) string {
	if name, ok := machine.Lookup[string](cfg, KeyName); ok && name != "" {
		return name
	}
	return cfg.Selector
}

func lookupRequired[T any](cfg *machine.Configuration, key string) (T, error) {
	v, ok := machine.Lookup[T](cfg, key)
	if !ok {
		var zero T
		return zero, missing(key)
	}
	return v, nil
}
