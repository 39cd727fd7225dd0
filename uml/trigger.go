package uml

import (
	"log/slog"
	"sync"

	"github.com/nomis52/goactivity/event"
)

// Binder connects a trigger to the source of the events it reacts to.
// Bind subscribes, calling trip for every relevant event, and returns the
// function that unsubscribes.
type Binder interface {
	Bind(trip func()) (unbind func())
}

// BinderFunc adapts a function to a Binder.
type BinderFunc func(trip func()) func()

// Bind calls f.
func (f BinderFunc) Bind(trip func()) func() {
	return f(trip)
}

// TriggerOption configures a Trigger.
type TriggerOption func(*Trigger)

// WithTriggerLogger sets the logger of a trigger.
func WithTriggerLogger(logger *slog.Logger) TriggerOption {
	return func(t *Trigger) {
		t.logger = logger
	}
}

// Trigger turns events from a source into trip notifications. A trigger only
// listens to its source while live, and only trips when its guard holds.
type Trigger struct {
	name   string
	binder Binder
	guard  Constraint
	logger *slog.Logger

	mu      sync.Mutex
	live    bool
	unbind  func()
	tripped event.Source[*Trigger]
}

// NewTrigger returns a disabled trigger. binder and guard may be nil; a
// trigger without binder only trips when Trip is called directly.
func NewTrigger(name string, binder Binder, guard Constraint, opts ...TriggerOption) *Trigger {
	t := &Trigger{
		name:   name,
		binder: binder,
		guard:  guard,
		logger: slog.Default().With("component", "trigger"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the trigger name.
func (t *Trigger) Name() string {
	return t.name
}

// Guard returns the guard, which may be nil.
func (t *Trigger) Guard() Constraint {
	return t.guard
}

// IsLive reports whether the trigger is listening to its source.
func (t *Trigger) IsLive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Enable binds the trigger to its source.
func (t *Trigger) Enable() {
	t.mu.Lock()
	if t.live {
		t.mu.Unlock()
		return
	}
	t.live = true
	t.mu.Unlock()

	var unbind func()
	if t.binder != nil {
		unbind = t.binder.Bind(t.Trip)
	}

	t.mu.Lock()
	if !t.live {
		// Disabled while binding
		t.mu.Unlock()
		if unbind != nil {
			unbind()
		}
		return
	}
	t.unbind = unbind
	t.mu.Unlock()
}

// Disable unbinds the trigger from its source.
func (t *Trigger) Disable() {
	t.mu.Lock()
	if !t.live {
		t.mu.Unlock()
		return
	}
	t.live = false
	unbind := t.unbind
	t.unbind = nil
	t.mu.Unlock()

	if unbind != nil {
		unbind()
	}
}

// Trip raises the tripped notification if the trigger is live and its
// guard holds.
func (t *Trigger) Trip() {
	if !t.IsLive() {
		return
	}
	if !IsSatisfied(t.guard) {
		return
	}
	t.logger.Debug("trigger tripped", "trigger", t.name)
	t.tripped.SafeEmit(t.logger, "tripped", t)
}

// Tripped returns the notification raised when the trigger trips.
func (t *Trigger) Tripped() *event.Source[*Trigger] {
	return &t.tripped
}

// OnTripped registers fn to be called whenever the trigger trips.
func (t *Trigger) OnTripped(fn func()) *event.Subscription {
	return t.tripped.Subscribe(func(*Trigger) { fn() })
}

// Copy returns an independent trigger with the same source and guard. The
// copy is enabled if the original is live.
func (t *Trigger) Copy() *Trigger {
	var guard Constraint
	if t.guard != nil {
		guard = t.guard.Copy()
	}
	cp := NewTrigger(t.name, t.binder, guard, WithTriggerLogger(t.logger))
	if t.IsLive() {
		cp.Enable()
	}
	return cp
}

// Dispose disables the trigger and drops its subscribers.
func (t *Trigger) Dispose() {
	t.Disable()
	t.tripped.Reset()
}
