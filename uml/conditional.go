package uml

import (
	"sync"
	"sync/atomic"

	"github.com/nomis52/goactivity/executable"
)

// ConstraintFactory creates a continue constraint when a node is entered,
// for conditions that depend on state only known at that time.
type ConstraintFactory interface {
	Create(metadata any) Constraint
}

// ConstraintFactoryFunc adapts a function to a ConstraintFactory.
type ConstraintFactoryFunc func(metadata any) Constraint

// Create calls f.
func (f ConstraintFactoryFunc) Create(metadata any) Constraint {
	return f(metadata)
}

// ConditionalNode is the unit of an activity chain: a state node whose
// continue transition additionally requires a continue constraint.
type ConditionalNode struct {
	*StateNode

	condMu     sync.Mutex
	continueC  Constraint
	factory    ConstraintFactory
	metadata   any
	overriding []*Trigger
}

// NewConditionalNode returns a wait-point node requiring continueConstraint
// before it continues. A nil constraint adds no requirement.
func NewConditionalNode(name, container string, continueConstraint Constraint, opts ...NodeOption) *ConditionalNode {
	c := newConditionalNode(name, container)
	if !isNilConstraint(continueConstraint) {
		c.continueC = continueConstraint.Copy()
	}
	c.impl = c
	for _, opt := range opts {
		opt(c.BehavioralNode)
	}
	return c
}

// NewActivityNode returns a conditional node running do.
func NewActivityNode(name, container string, do executable.Executable, opts ...NodeOption) *ConditionalNode {
	return NewConditionalNode(name, container, nil, append([]NodeOption{WithDo(do)}, opts...)...)
}

func newConditionalNode(name, container string) *ConditionalNode {
	return &ConditionalNode{StateNode: newStateNode(name, container)}
}

// ContinueConstraint returns the continue constraint, nil until a late-bound
// constraint has been created.
func (c *ConditionalNode) ContinueConstraint() Constraint {
	c.condMu.Lock()
	defer c.condMu.Unlock()
	return c.continueC
}

// HasContinueConstraint reports whether a constraint or a factory is set.
func (c *ConditionalNode) HasContinueConstraint() bool {
	c.condMu.Lock()
	defer c.condMu.Unlock()
	return c.continueC != nil || c.factory != nil
}

// SetConstraintFactory late-binds the continue constraint: factory is called
// with metadata the first time the node is entered.
func (c *ConditionalNode) SetConstraintFactory(factory ConstraintFactory, metadata any) {
	c.condMu.Lock()
	defer c.condMu.Unlock()
	c.factory = factory
	c.metadata = metadata
}

// OverridingTriggers returns the triggers used instead of the machine-wide
// runtime triggers for this node's transitions.
func (c *ConditionalNode) OverridingTriggers() []*Trigger {
	c.condMu.Lock()
	defer c.condMu.Unlock()
	return append([]*Trigger(nil), c.overriding...)
}

// AddOverridingTriggers appends node-specific triggers.
func (c *ConditionalNode) AddOverridingTriggers(triggers ...*Trigger) {
	c.condMu.Lock()
	defer c.condMu.Unlock()
	for _, t := range triggers {
		if t != nil {
			c.overriding = append(c.overriding, t)
		}
	}
}

func (c *ConditionalNode) entered(origin Origin) {
	c.StateNode.entered(origin)

	c.condMu.Lock()
	if c.continueC == nil && c.factory != nil {
		c.continueC = c.factory.Create(c.metadata)
		if cont := c.connectors.Continue; cont != nil && c.continueC != nil {
			cont.SetGuard(andGuard(cont.Guard(), c.continueC))
		}
	}
	cc := c.continueC
	c.condMu.Unlock()

	if cc != nil {
		c.logger.Debug("waiting for condition", "container", c.container, "node", c.name, "constraint", cc.Name())
	}
}

func andGuard(guard, extra Constraint) Constraint {
	if isNilConstraint(guard) {
		return extra
	}
	return guard.AndWith(extra)
}

// Pauser is the machine a PausableNode pauses.
type Pauser interface {
	Pause()
}

// PausableNode is a wait point that pauses its machine when entered, if
// pausing has been requested for it.
type PausableNode struct {
	*ConditionalNode

	index       atomic.Int64
	pauseParent atomic.Bool
}

// NewPausableNode returns a pausable node pausing machine.
func NewPausableNode(name, container string, machine Pauser, opts ...NodeOption) *PausableNode {
	p := &PausableNode{ConditionalNode: newConditionalNode(name, container)}
	p.continueC = Empty()
	p.impl = p
	for _, opt := range opts {
		opt(p.BehavioralNode)
	}
	p.BehavioralNode.SetEnterBehavior(nil, executable.Do("Pause "+container, func() {
		if p.pauseParent.Load() && machine != nil {
			machine.Pause()
		}
	}))
	return p
}

// SetEnterBehavior is ignored: the enter behavior of a pausable node is the
// pause itself.
func (p *PausableNode) SetEnterBehavior(Constraint, executable.Executable) {}

// Index returns the line number of the node.
func (p *PausableNode) Index() int {
	return int(p.index.Load())
}

// SetIndex sets the line number of the node.
func (p *PausableNode) SetIndex(i int) {
	p.index.Store(int64(i))
}

// PauseParent reports whether entering the node pauses the machine.
func (p *PausableNode) PauseParent() bool {
	return p.pauseParent.Load()
}

// SetPauseParent requests or cancels the pause on entry.
func (p *PausableNode) SetPauseParent(pause bool) {
	p.pauseParent.Store(pause)
}
