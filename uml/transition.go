package uml

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nomis52/goactivity/event"
	"github.com/nomis52/goactivity/executable"
)

// Firing is raised when a trigger of a traversable transition trips.
type Firing struct {
	Transition *Transition
	Trigger    *Trigger
}

// TransitionOption configures a Transition.
type TransitionOption func(*Transition)

// WithGuard sets the guard of the transition.
func WithGuard(guard Constraint) TransitionOption {
	return func(t *Transition) {
		t.guard = guard
	}
}

// WithEffect sets the effect run before the consumer is entered.
func WithEffect(effect executable.Executable) TransitionOption {
	return func(t *Transition) {
		t.effect = effect
	}
}

// WithTriggers adds triggers to the transition.
func WithTriggers(triggers ...*Trigger) TransitionOption {
	return func(t *Transition) {
		for _, trig := range triggers {
			t.UseTrigger(trig)
		}
	}
}

// WithTransitionLogger sets the logger of the transition.
func WithTransitionLogger(logger *slog.Logger) TransitionOption {
	return func(t *Transition) {
		t.logger = logger
	}
}

// Transition is a directed edge from a supplier node to a consumer node.
type Transition struct {
	container string
	supplier  Node
	consumer  Node
	logger    *slog.Logger

	mu       sync.RWMutex
	guard    Constraint
	effect   executable.Executable
	triggers []*Trigger
	subs     event.Group
	disposed bool

	fired     event.Source[Firing]
	traversed event.Source[*Transition]
}

// NewTransition returns a transition from supplier to consumer.
func NewTransition(container string, supplier, consumer Node, opts ...TransitionOption) *Transition {
	t := &Transition{
		container: container,
		supplier:  supplier,
		consumer:  consumer,
		logger:    slog.Default().With("component", "transition"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// String returns "supplier->consumer".
func (t *Transition) String() string {
	return fmt.Sprintf("%s->%s", nodeName(t.supplier), nodeName(t.consumer))
}

// Supplier returns the source node.
func (t *Transition) Supplier() Node {
	return t.supplier
}

// Consumer returns the target node.
func (t *Transition) Consumer() Node {
	return t.consumer
}

// Guard returns the guard, which may be nil.
func (t *Transition) Guard() Constraint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.guard
}

// SetGuard replaces the guard.
func (t *Transition) SetGuard(guard Constraint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.guard = guard
}

// Effect returns the effect, which may be nil.
func (t *Transition) Effect() executable.Executable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.effect
}

// SetEffect replaces the effect.
func (t *Transition) SetEffect(effect executable.Executable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.effect = effect
}

// Triggers returns a copy of the trigger list.
func (t *Transition) Triggers() []*Trigger {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Trigger(nil), t.triggers...)
}

// UseTrigger adds a trigger whose trips fire the transition.
func (t *Transition) UseTrigger(trigger *Trigger) {
	if trigger == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.triggers = append(t.triggers, trigger)
	t.subs.Add(trigger.Tripped().Subscribe(t.handleTripped))
}

// EnableTriggers enables every trigger.
func (t *Transition) EnableTriggers() {
	for _, trig := range t.Triggers() {
		trig.Enable()
	}
}

// DisableTriggers disables every trigger.
func (t *Transition) DisableTriggers() {
	for _, trig := range t.Triggers() {
		trig.Disable()
	}
}

// CanTraverse reports whether both ends are set and the guard holds.
func (t *Transition) CanTraverse() bool {
	if t.supplier == nil || t.consumer == nil {
		return false
	}
	return IsSatisfied(t.Guard())
}

// Fired returns the notification raised when a trigger trips while the
// transition can be traversed.
func (t *Transition) Fired() *event.Source[Firing] {
	return &t.fired
}

// Traversed returns the notification raised after the effect and before the
// consumer is entered.
func (t *Transition) Traversed() *event.Source[*Transition] {
	return &t.traversed
}

// Traverse runs the effect, raises Traversed, calls onTraversed and enters
// the consumer. It returns false without side effects when the guard does
// not hold or the consumer cannot be entered.
func (t *Transition) Traverse(trigger string, onTraversed func(*Transition)) (ok bool) {
	if !t.CanTraverse() || !t.consumer.CanEnter() {
		t.logger.Debug("cannot traverse transition: guard not satisfied or cannot enter consumer",
			"container", t.container, "transition", t.String())
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic while traversing transition",
				"container", t.container, "transition", t.String(), "error", fmt.Sprint(r))
			ok = false
		}
	}()

	t.doEffect()

	t.logger.Debug("transition traversed", "container", t.container, "transition", t.String())
	if onTraversed != nil {
		onTraversed(t)
	}
	t.traversed.SafeEmit(t.logger, "traversed", t)

	t.consumer.EnterFrom(Origin{
		From:       nodeName(t.supplier),
		Transition: t,
		Trigger:    trigger,
	})
	return true
}

func (t *Transition) doEffect() {
	effect := t.Effect()
	if effect == nil {
		return
	}
	t.logger.Debug("running effect", "container", t.container, "transition", t.String(), "effect", effect.Name())
	if err := executable.Safely(func() error { effect.Execute(); return nil }); err != nil {
		t.logger.Error("effect failed", "container", t.container, "transition", t.String(),
			"effect", effect.Name(), "error", err)
	}
}

func (t *Transition) handleTripped(trigger *Trigger) {
	if !t.CanTraverse() {
		return
	}
	t.logger.Debug("transition fired", "container", t.container, "transition", t.String(), "trigger", trigger.Name())
	t.fired.SafeEmit(t.logger, "fired", Firing{Transition: t, Trigger: trigger})
}

// Dispose disposes the triggers and releases every subscription.
func (t *Transition) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	triggers := t.triggers
	t.triggers = nil
	t.effect = nil
	t.mu.Unlock()

	t.subs.Close()
	for _, trig := range triggers {
		trig.Dispose()
	}
	t.fired.Reset()
	t.traversed.Reset()
}

func nodeName(n Node) string {
	if isNil(n) {
		return "?"
	}
	return n.Name()
}
