// Package executable defines the unit of work run by nodes, transitions,
// machines and the engine, along with the concrete unit kinds.
//
// Every unit exposes Execute and raises Started, then exactly one of
// Finished, Expired, Interrupted or Faulted. Machines, nodes and the engine
// observe these events uniformly regardless of whether the unit is a plain
// action, a timed wait, a background goroutine or a nested machine.
package executable

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/goactivity/event"
)

// ErrInterrupted is the fault raised by a sub-machine host when its nested
// machine was interrupted.
var ErrInterrupted = errors.New("nested machine was interrupted")

// Executable is a unit of work with lifecycle notifications.
type Executable interface {
	ID() uuid.UUID
	SetID(id uuid.UUID)
	Name() string
	Execute()
	Events() *Events
}

// Fault carries the error raised by a faulted executable.
type Fault struct {
	Source Executable
	Err    error
}

// Events are the lifecycle notifications of an executable.
type Events struct {
	Started     event.Source[Executable]
	Finished    event.Source[Executable]
	Expired     event.Source[Executable]
	Interrupted event.Source[Executable]
	Faulted     event.Source[Fault]
}

// Entry describes how the node running a behavior was entered.
type Entry struct {
	// From is the name of the node or machine the entry came from.
	From string
	// Trigger is the name of the trigger that fired the transition, if any.
	Trigger string
}

// EntryAware is implemented by behaviors that want to know how their node
// was entered.
type EntryAware interface {
	SetEntry(entry Entry)
}

// Safely runs fn and converts a panic into an error.
func Safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("panic: %w", e)
				return
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Base implements the identity, events and expiration timer shared by all
// executables. It is meant to be embedded; Init must be called with the
// embedding executable so events report the right source.
type Base struct {
	self   Executable
	logger *slog.Logger
	events Events

	mu   sync.RWMutex
	id   uuid.UUID
	name string

	timerMu   sync.Mutex
	timeout   time.Duration
	timer     *time.Timer
	onElapsed func()
	elapsed   atomic.Bool
}

// Init binds the base to its embedding executable.
func (b *Base) Init(self Executable, name string) {
	b.self = self
	b.name = name
	b.id = uuid.New()
	if b.logger == nil {
		b.logger = slog.Default().With("component", "executable")
	}
}

// ID returns the unique id of the executable.
func (b *Base) ID() uuid.UUID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id
}

// SetID replaces the id.
func (b *Base) SetID(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.id = id
}

// Name returns the executable name.
func (b *Base) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.name
}

// SetName renames the executable.
func (b *Base) SetName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = name
}

// Events returns the lifecycle notifications.
func (b *Base) Events() *Events {
	return &b.events
}

// Logger returns the logger used by the executable.
func (b *Base) Logger() *slog.Logger {
	if b.logger == nil {
		return slog.Default()
	}
	return b.logger
}

// SetLogger replaces the logger.
func (b *Base) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// SetTimeout sets the expiration duration. Zero or negative disables it.
func (b *Base) SetTimeout(d time.Duration) {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	b.timeout = d
}

// Timeout returns the expiration duration.
func (b *Base) Timeout() time.Duration {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	return b.timeout
}

// SetExpirationHandler replaces what happens when the timer elapses.
// By default Expired is raised.
func (b *Base) SetExpirationHandler(fn func()) {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	b.onElapsed = fn
}

// TimeoutElapsed reports whether the expiration timer has fired.
func (b *Base) TimeoutElapsed() bool {
	return b.elapsed.Load()
}

// StartTiming arms the expiration timer if a timeout is set.
func (b *Base) StartTiming() {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()

	if b.timeout <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.timeout, b.expire)
}

// StopTiming disarms the expiration timer.
func (b *Base) StopTiming() {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Base) expire() {
	b.timerMu.Lock()
	b.timer = nil
	handler := b.onElapsed
	b.timerMu.Unlock()

	if !b.elapsed.CompareAndSwap(false, true) {
		return
	}
	b.Logger().Debug("expiration timer elapsed", "executable", b.Name())
	if handler != nil {
		handler()
		return
	}
	b.RaiseExpired()
}

// RaiseStarted notifies Started subscribers.
func (b *Base) RaiseStarted() {
	b.events.Started.SafeEmit(b.Logger(), "started", b.self)
}

// RaiseFinished notifies Finished subscribers.
func (b *Base) RaiseFinished() {
	b.events.Finished.SafeEmit(b.Logger(), "finished", b.self)
}

// RaiseExpired notifies Expired subscribers.
func (b *Base) RaiseExpired() {
	b.events.Expired.SafeEmit(b.Logger(), "expired", b.self)
}

// RaiseInterrupted notifies Interrupted subscribers.
func (b *Base) RaiseInterrupted() {
	b.events.Interrupted.SafeEmit(b.Logger(), "interrupted", b.self)
}

// RaiseFaulted notifies Faulted subscribers with err.
func (b *Base) RaiseFaulted(err error) {
	b.Logger().Debug("executable faulted", "executable", b.Name(), "error", err)
	b.events.Faulted.SafeEmit(b.Logger(), "faulted", Fault{Source: b.self, Err: err})
}

// Option configures the Base of an executable.
type Option func(*Base)

// WithTimeout sets the expiration duration.
func WithTimeout(d time.Duration) Option {
	return func(b *Base) {
		b.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Base) {
		b.SetLogger(logger)
	}
}

// Apply applies opts to the base.
func (b *Base) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(b)
	}
}
