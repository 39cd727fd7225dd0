// Package triggers binds uml triggers to the event sources a machine reacts
// to: property and collection changes, machine quitting, executables
// finishing, state entry, arbitrary event sources and cron schedules.
package triggers

import (
	"slices"
	"sync"

	"github.com/nomis52/goactivity/event"
	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/uml"
)

// PropertyNotifier raises the name of every property that changes.
type PropertyNotifier interface {
	PropertyChanged() *event.Source[string]
}

// Properties is an embeddable PropertyNotifier.
type Properties struct {
	changed event.Source[string]
}

// PropertyChanged returns the change notification.
func (p *Properties) PropertyChanged() *event.Source[string] {
	return &p.changed
}

// Notify raises a change for each named property.
func (p *Properties) Notify(names ...string) {
	for _, name := range names {
		p.changed.Emit(name)
	}
}

// PropertyChanged returns a trigger tripping when property changes on
// source. An empty property trips on any change.
func PropertyChanged(name string, source PropertyNotifier, property string, guard uml.Constraint, opts ...uml.TriggerOption) *uml.Trigger {
	return uml.NewTrigger(name, uml.BinderFunc(func(trip func()) func() {
		sub := source.PropertyChanged().Subscribe(func(changed string) {
			if property == "" || property == changed {
				trip()
			}
		})
		return sub.Close
	}), guard, opts...)
}

// CollectionNotifier raises the item count after every change.
type CollectionNotifier interface {
	CollectionChanged() *event.Source[int]
}

// Collection is an observable list.
type Collection[T any] struct {
	mu      sync.Mutex
	items   []T
	changed event.Source[int]
}

// CollectionChanged returns the change notification.
func (c *Collection[T]) CollectionChanged() *event.Source[int] {
	return &c.changed
}

// Add appends items.
func (c *Collection[T]) Add(items ...T) {
	c.mu.Lock()
	c.items = append(c.items, items...)
	n := len(c.items)
	c.mu.Unlock()
	c.changed.Emit(n)
}

// RemoveFunc removes every item for which del returns true and reports how
// many were removed.
func (c *Collection[T]) RemoveFunc(del func(T) bool) int {
	c.mu.Lock()
	before := len(c.items)
	c.items = slices.DeleteFunc(c.items, del)
	n := len(c.items)
	c.mu.Unlock()

	if removed := before - n; removed > 0 {
		c.changed.Emit(n)
		return removed
	}
	return 0
}

// Len returns the number of items.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Items returns a copy of the items.
func (c *Collection[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}

// CollectionChanged returns a trigger tripping when the item count of source
// becomes targetCount. A negative targetCount trips on any change.
func CollectionChanged(name string, source CollectionNotifier, targetCount int, guard uml.Constraint, opts ...uml.TriggerOption) *uml.Trigger {
	return uml.NewTrigger(name, uml.BinderFunc(func(trip func()) func() {
		sub := source.CollectionChanged().Subscribe(func(count int) {
			if targetCount < 0 || targetCount == count {
				trip()
			}
		})
		return sub.Close
	}), guard, opts...)
}

// QuitNotifier is a machine raising Quitting when its completion cause is
// set.
type QuitNotifier interface {
	MachineEvents() *executable.MachineEvents
}

// QuitHandling returns a trigger tripping when machine starts quitting.
func QuitHandling(name string, machine QuitNotifier, guard uml.Constraint, opts ...uml.TriggerOption) *uml.Trigger {
	return EventInvoked(name, &machine.MachineEvents().Quitting, guard, opts...)
}

// ExecutableFinished returns a trigger tripping when source finishes.
func ExecutableFinished(name string, source executable.Executable, guard uml.Constraint, opts ...uml.TriggerOption) *uml.Trigger {
	return EventInvoked(name, &source.Events().Finished, guard, opts...)
}

// StateEntered returns a trigger tripping when source raises one of states,
// or any state when none are given.
func StateEntered[S comparable](name string, source *event.Source[S], guard uml.Constraint, states ...S) *uml.Trigger {
	return uml.NewTrigger(name, uml.BinderFunc(func(trip func()) func() {
		sub := source.Subscribe(func(s S) {
			if len(states) == 0 || slices.Contains(states, s) {
				trip()
			}
		})
		return sub.Close
	}), guard)
}

// EventInvoked returns a trigger tripping whenever source raises.
func EventInvoked[T any](name string, source *event.Source[T], guard uml.Constraint, opts ...uml.TriggerOption) *uml.Trigger {
	return uml.NewTrigger(name, uml.BinderFunc(func(trip func()) func() {
		sub := source.Subscribe(func(T) { trip() })
		return sub.Close
	}), guard, opts...)
}
