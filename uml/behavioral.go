package uml

import (
	"log/slog"
	"sync"

	"github.com/nomis52/goactivity/event"
	"github.com/nomis52/goactivity/executable"
)

// nodeImpl holds the parts of node behavior refined by StateNode and
// ConditionalNode. BehavioralNode calls through it so the outermost node
// kind decides.
type nodeImpl interface {
	canExit() bool
	enableConnectors()
	disableConnectors()
	entered(origin Origin)
	exited()
	dispose()
}

// NodeOption configures a node.
type NodeOption func(*BehavioralNode)

// WithNodeLogger sets the logger of a node.
func WithNodeLogger(logger *slog.Logger) NodeOption {
	return func(n *BehavioralNode) {
		n.logger = logger
	}
}

// WithDo sets the do behavior of a node.
func WithDo(do executable.Executable) NodeOption {
	return func(n *BehavioralNode) {
		n.SetDoBehavior(do)
	}
}

type behaviorSlot struct {
	behavior executable.Executable
	subs     event.Group
}

// BehavioralNode is a node with optional enter, do and exit behaviors.
// Entry runs enter then do; exit runs the exit behavior before the node
// becomes inactive. Behavior faults and expirations are re-raised as node
// Faulted and TimedOut notifications.
type BehavioralNode struct {
	name      string
	container string
	logger    *slog.Logger
	impl      nodeImpl

	mu            sync.Mutex
	active        bool
	origin        Origin
	precondition  Constraint
	postcondition Constraint
	enter         behaviorSlot
	do            behaviorSlot
	exit          behaviorSlot
	disposed      bool

	connectors Connectors
	events     NodeEvents
}

// NewBehavioralNode returns a node named name inside container.
func NewBehavioralNode(name, container string, opts ...NodeOption) *BehavioralNode {
	n := newBehavioralNode(name, container)
	n.impl = n
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func newBehavioralNode(name, container string) *BehavioralNode {
	return &BehavioralNode{
		name:      name,
		container: container,
		logger:    slog.Default().With("component", "node"),
	}
}

// Name returns the node name.
func (n *BehavioralNode) Name() string {
	return n.name
}

// ContainerName returns the name of the owning machine.
func (n *BehavioralNode) ContainerName() string {
	return n.container
}

// IsActive reports whether the node has been entered and not exited.
func (n *BehavioralNode) IsActive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// CanEnter reports whether the node is inactive and its precondition holds.
func (n *BehavioralNode) CanEnter() bool {
	n.mu.Lock()
	active, pre := n.active, n.precondition
	n.mu.Unlock()
	return !active && IsSatisfied(pre)
}

// CanExit reports whether the node may be exited.
func (n *BehavioralNode) CanExit() bool {
	return n.impl.canExit()
}

// Connectors returns the outgoing transitions.
func (n *BehavioralNode) Connectors() *Connectors {
	return &n.connectors
}

// Events returns the node notifications.
func (n *BehavioralNode) Events() *NodeEvents {
	return &n.events
}

// EnterBehavior returns the enter behavior.
func (n *BehavioralNode) EnterBehavior() executable.Executable {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enter.behavior
}

// DoBehavior returns the do behavior.
func (n *BehavioralNode) DoBehavior() executable.Executable {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.do.behavior
}

// ExitBehavior returns the exit behavior.
func (n *BehavioralNode) ExitBehavior() executable.Executable {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.exit.behavior
}

// Precondition returns the entry precondition, which may be nil.
func (n *BehavioralNode) Precondition() Constraint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.precondition
}

// SetEnterBehavior sets the enter behavior and, if not nil, a copy of
// precondition.
func (n *BehavioralNode) SetEnterBehavior(precondition Constraint, behavior executable.Executable) {
	n.mu.Lock()
	if !isNilConstraint(precondition) {
		n.precondition = precondition.Copy()
	}
	n.mu.Unlock()
	n.setBehavior(&n.enter, behavior)
}

// SetDoBehavior sets the do behavior.
func (n *BehavioralNode) SetDoBehavior(behavior executable.Executable) {
	n.setBehavior(&n.do, behavior)
}

// SetExitBehavior sets the exit behavior and, if not nil, a copy of
// postcondition.
func (n *BehavioralNode) SetExitBehavior(postcondition Constraint, behavior executable.Executable) {
	n.mu.Lock()
	if !isNilConstraint(postcondition) {
		n.postcondition = postcondition.Copy()
	}
	n.mu.Unlock()
	n.setBehavior(&n.exit, behavior)
}

func (n *BehavioralNode) setBehavior(slot *behaviorSlot, behavior executable.Executable) {
	slot.subs.Close()

	n.mu.Lock()
	old := slot.behavior
	slot.behavior = behavior
	n.mu.Unlock()

	if closer, ok := old.(interface{ Close() error }); ok && old != behavior {
		_ = closer.Close()
	}
	if behavior == nil {
		return
	}

	events := behavior.Events()
	slot.subs.Add(
		events.Faulted.Subscribe(func(f executable.Fault) {
			slot.subs.Close()
			n.raiseFaulted(f.Err)
		}),
		events.Expired.Subscribe(func(executable.Executable) {
			slot.subs.Close()
			n.raiseTimedOut()
		}),
	)
}

// EnterFrom activates the node, raises Entered, enables the connectors and
// runs the entry behaviors.
func (n *BehavioralNode) EnterFrom(origin Origin) {
	n.mu.Lock()
	n.active = true
	n.origin = origin
	n.mu.Unlock()

	n.logger.Debug("entered node", "container", n.container, "node", n.name, "from", originName(origin))
	n.events.Entered.SafeEmit(n.logger, "entered", origin)

	n.impl.enableConnectors()
	n.runEntryBehaviors(origin)
	n.impl.entered(origin)
}

func (n *BehavioralNode) runEntryBehaviors(origin Origin) {
	entry := executable.Entry{From: originName(origin), Trigger: origin.Trigger}

	err := executable.Safely(func() error {
		if enter := n.EnterBehavior(); enter != nil {
			n.logger.Debug("running ENTER behavior", "container", n.container, "node", n.name, "behavior", enter.Name())
			runBehavior(enter, entry)
		}
		if do := n.DoBehavior(); do != nil {
			n.logger.Debug("running DO behavior", "container", n.container, "node", n.name, "behavior", do.Name())
			runBehavior(do, entry)
		}
		return nil
	})
	if err != nil {
		n.raiseFaulted(err)
		return
	}
	n.events.EntryBehaviorsFinished.SafeEmit(n.logger, "entry_behaviors_finished", n.node())
}

// TryExit runs the exit behavior and deactivates the node if CanExit holds.
func (n *BehavioralNode) TryExit() bool {
	if !n.CanExit() {
		return false
	}

	n.mu.Lock()
	entry := executable.Entry{From: originName(n.origin), Trigger: n.origin.Trigger}
	n.mu.Unlock()

	err := executable.Safely(func() error {
		if exit := n.ExitBehavior(); exit != nil {
			n.logger.Debug("running EXIT behavior", "container", n.container, "node", n.name, "behavior", exit.Name())
			runBehavior(exit, entry)
		}
		return nil
	})
	if err != nil {
		n.raiseFaulted(err)
		return false
	}

	n.mu.Lock()
	n.active = false
	n.mu.Unlock()

	n.impl.disableConnectors()
	n.impl.exited()
	n.logger.Debug("exiting node", "container", n.container, "node", n.name)
	n.events.Exited.SafeEmit(n.logger, "exited", n.node())
	return true
}

// EnableConnectors starts the triggers of the outgoing transitions.
func (n *BehavioralNode) EnableConnectors() {
	n.impl.enableConnectors()
}

// DisableConnectors stops the triggers of the outgoing transitions.
func (n *BehavioralNode) DisableConnectors() {
	n.impl.disableConnectors()
}

// Dispose releases the behaviors, the connectors and every subscription.
func (n *BehavioralNode) Dispose() {
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		return
	}
	n.disposed = true
	n.mu.Unlock()

	n.impl.dispose()
}

func (n *BehavioralNode) canExit() bool {
	n.mu.Lock()
	active, post := n.active, n.postcondition
	n.mu.Unlock()
	return active && IsSatisfied(post)
}

func (n *BehavioralNode) enableConnectors() {
	for _, t := range n.connectors.All() {
		t.EnableTriggers()
	}
}

func (n *BehavioralNode) disableConnectors() {
	for _, t := range n.connectors.All() {
		t.DisableTriggers()
	}
}

func (n *BehavioralNode) entered(Origin) {}

func (n *BehavioralNode) exited() {}

func (n *BehavioralNode) dispose() {
	n.impl.disableConnectors()
	n.setBehavior(&n.enter, nil)
	n.setBehavior(&n.do, nil)
	n.setBehavior(&n.exit, nil)
	for _, t := range n.connectors.All() {
		t.Dispose()
	}
	n.connectors = Connectors{}
}

func (n *BehavioralNode) raiseFaulted(err error) {
	n.logger.Error("node faulted", "container", n.container, "node", n.name, "error", err)
	n.events.Faulted.SafeEmit(n.logger, "faulted", NodeFault{Node: n.node(), Err: err})
}

func (n *BehavioralNode) raiseTimedOut() {
	n.logger.Debug("node timed out", "container", n.container, "node", n.name)
	n.events.TimedOut.SafeEmit(n.logger, "timed_out", n.node())
}

// node returns the outermost node kind for notifications.
func (n *BehavioralNode) node() Node {
	if outer, ok := n.impl.(Node); ok {
		return outer
	}
	return n
}

func runBehavior(behavior executable.Executable, entry executable.Entry) {
	if aware, ok := behavior.(executable.EntryAware); ok {
		aware.SetEntry(entry)
	}
	behavior.Execute()
}

func originName(o Origin) string {
	if o.From == "" {
		return "unknown"
	}
	return o.From
}
