package uml

import (
	"github.com/nomis52/goactivity/event"
	"github.com/nomis52/goactivity/executable"
)

// Origin describes where a node entry came from.
type Origin struct {
	// From is the name of the machine or supplier node.
	From string
	// Transition is the traversed transition, nil for the initial entry.
	Transition *Transition
	// Trigger is the name of the trigger that fired the transition.
	Trigger string
}

// NodeFault is raised when a node behavior faults.
type NodeFault struct {
	Node Node
	Err  error
}

// NodeEvents are the notifications raised by every node.
type NodeEvents struct {
	Entered                event.Source[Origin]
	Exited                 event.Source[Node]
	Faulted                event.Source[NodeFault]
	TimedOut               event.Source[Node]
	EntryBehaviorsFinished event.Source[Node]
}

// Connectors are the outgoing transitions of a node. Run to completion
// evaluates them in the order Finish, Quit, Continue.
type Connectors struct {
	Finish   *Transition
	Quit     *Transition
	Continue *Transition
	// Extra holds any further transitions, evaluated after Continue.
	Extra []*Transition
}

// All returns the non-nil connectors in evaluation order.
func (c *Connectors) All() []*Transition {
	all := make([]*Transition, 0, 3+len(c.Extra))
	for _, t := range []*Transition{c.Finish, c.Quit, c.Continue} {
		if t != nil {
			all = append(all, t)
		}
	}
	return append(all, c.Extra...)
}

// Len returns the number of non-nil connectors.
func (c *Connectors) Len() int {
	return len(c.All())
}

// Node is a vertex of a machine graph.
type Node interface {
	Name() string
	ContainerName() string
	IsActive() bool
	CanEnter() bool
	CanExit() bool
	EnterFrom(origin Origin)
	TryExit() bool
	Connectors() *Connectors
	EnableConnectors()
	DisableConnectors()
	Events() *NodeEvents
	Dispose()
}

// Behavioral is implemented by nodes running enter, do and exit behaviors.
type Behavioral interface {
	Node
	EnterBehavior() executable.Executable
	DoBehavior() executable.Executable
	ExitBehavior() executable.Executable
}
