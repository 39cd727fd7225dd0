package machines

import (
	"fmt"
	"sync"

	"github.com/nomis52/goactivity/dispatch"
	"github.com/nomis52/goactivity/event"
	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/uml"
)

// CommandError is the fault of a command machine that completed with a
// positive error level or a fault.
type CommandError struct {
	Code    int
	Station string
	Cause   error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command failed with error level %d", e.Code)
	if e.Station != "" {
		msg += " on " + e.Station
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Cause
}

// CommandMachine runs a script of commands. Nested command machines share
// its dispatcher, data context and breakpoints, and are named after the
// root machine ("Root::Nested"). Pausable nodes carry line numbers so the
// script can be paused at breakpoints.
type CommandMachine struct {
	*machine.Machine

	data        *DataContext
	root        *CommandMachine
	breakpoints *Breakpoints

	mu          sync.Mutex
	pausable    map[int]*uml.PausableNode
	selfPausing bool

	closeOnce     sync.Once
	pausableAdded event.Source[*uml.PausableNode]
}

// NewCommandMachine returns a command machine built from cfg. A cfg
// without a dispatcher gets the machine's own, so machines created from
// ChildConfiguration run on it too.
func NewCommandMachine(name string, cfg *machine.Configuration, opts ...machine.Option) *CommandMachine {
	if cfg == nil {
		cfg = machine.NewConfiguration(name, nil)
	}
	root := rootMachine(cfg)
	if root != nil {
		name = root.Name() + "::" + name
	}

	data, ok := machine.Lookup[*DataContext](cfg, KeyDataContext)
	if !ok || data == nil {
		data = NewDataContext()
		for _, key := range []string{KeyDevice, KeyStation, KeyModule, KeyInstrument, KeyTranslator} {
			if v, ok := cfg.Get(key); ok {
				data.SetValue(key, v)
			}
		}
	}

	ownsDispatcher := cfg.Dispatcher == nil
	if ownsDispatcher {
		cfg.Dispatcher = dispatch.New(name)
	}

	opts = append([]machine.Option{
		machine.WithHaltOnFault(true),
		machine.WithConfiguration(cfg),
		machine.WithDispatcher(cfg.Dispatcher),
	}, opts...)

	c := &CommandMachine{
		Machine:     machine.New(name, opts...),
		data:        data,
		root:        root,
		breakpoints: breakpointsOf(cfg),
		pausable:    make(map[int]*uml.PausableNode),
	}
	if root == nil {
		data.setRoot(c)
	}
	cfg.Set(KeyDataContext, data)

	c.SetCompletionFilter(c.filterCompletion)
	events := c.Events()
	events.Started.Subscribe(func(executable.Executable) { c.applyBreakpoints() })

	if ownsDispatcher {
		d := cfg.Dispatcher
		closeDispatcher := func() {
			c.closeOnce.Do(func() {
				go func() {
					d.WaitUntilDone()
					d.Close()
				}()
			})
		}
		events.Finished.Subscribe(func(executable.Executable) { closeDispatcher() })
		events.Expired.Subscribe(func(executable.Executable) { closeDispatcher() })
		events.Interrupted.Subscribe(func(executable.Executable) { closeDispatcher() })
		events.Faulted.Subscribe(func(executable.Fault) { closeDispatcher() })
	}
	return c
}

func rootMachine(cfg *machine.Configuration) *CommandMachine {
	if root, ok := machine.Lookup[*CommandMachine](cfg, KeyRootMachine); ok && root != nil {
		return root
	}
	if data, ok := machine.Lookup[*DataContext](cfg, KeyDataContext); ok && data != nil {
		return data.Root()
	}
	return nil
}

func breakpointsOf(cfg *machine.Configuration) *Breakpoints {
	if bp, ok := machine.Lookup[*Breakpoints](cfg, KeyInitialBreakpoints); ok && bp != nil {
		return bp
	}
	bp := NewBreakpoints()
	if lines, ok := machine.Lookup[[]int](cfg, KeyInitialBreakpoints); ok {
		bp = NewBreakpoints(lines...)
	}
	cfg.Set(KeyInitialBreakpoints, bp)
	return bp
}

// SetBuildFunc makes build the assembly run by Execute.
func (c *CommandMachine) SetBuildFunc(build BuildFunc[*CommandMachine]) {
	c.SetBuilder(build.bind(c))
}

// DataContext returns the context shared with nested machines.
func (c *CommandMachine) DataContext() *DataContext {
	return c.data
}

// Root returns the outermost command machine, or c itself.
func (c *CommandMachine) Root() *CommandMachine {
	if c.root != nil {
		return c.root
	}
	return c
}

// Breakpoints returns the breakpoints shared with nested machines.
func (c *CommandMachine) Breakpoints() *Breakpoints {
	return c.breakpoints
}

// PausableNodeAdded is raised for every pausable node added.
func (c *CommandMachine) PausableNodeAdded() *event.Source[*uml.PausableNode] {
	return &c.pausableAdded
}

// SupportsSelfPausing reports whether the machine has pausable nodes.
func (c *CommandMachine) SupportsSelfPausing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfPausing
}

// ChildConfiguration returns the configuration of a nested command
// machine: it shares the root, the data context, the breakpoints and the
// dispatcher of c.
func (c *CommandMachine) ChildConfiguration(selector string) *machine.Configuration {
	cfg := machine.NewConfiguration(selector, map[string]any{
		KeyRootMachine:        c.Root(),
		KeyDataContext:        c.data,
		KeyInitialBreakpoints: c.breakpoints,
	})
	cfg.Dispatcher = c.Dispatcher()
	return cfg
}

// AddPausableNode appends a node that pauses the machine when entered, if
// a breakpoint is set on its line number.
func (c *CommandMachine) AddPausableNode(nodeName string, line int) error {
	if !c.IsEditable() {
		return machine.ErrNotEditable
	}
	node := uml.NewPausableNode(fmt.Sprintf("%s%d", nodeName, line), c.Name(), c, uml.WithNodeLogger(c.Logger()))
	node.SetIndex(line)
	if err := c.AddNode(node, nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.selfPausing = true
	c.pausable[line] = node
	c.mu.Unlock()

	c.pausableAdded.SafeEmit(c.Logger(), "pausable_node_added", node)
	return nil
}

// AddLateBoundContinueCondition appends a wait point whose continue
// constraint is created by factory from metadata when the node is entered.
func (c *CommandMachine) AddLateBoundContinueCondition(nodeName string, metadata any, factory func(metadata any) uml.Constraint, overriding ...*uml.Trigger) error {
	if err := c.AddNamedContinueCondition(nodeName, nil, overriding...); err != nil {
		return err
	}
	if node, ok := c.LastNode().(*uml.ConditionalNode); ok {
		node.SetConstraintFactory(uml.ConstraintFactoryFunc(factory), metadata)
	}
	return nil
}

// SetEnterBehaviorOnLastAddedNode runs behavior with target whenever the
// most recently added node is entered.
func (c *CommandMachine) SetEnterBehaviorOnLastAddedNode(name string, behavior func(target any), target any) error {
	if !c.IsEditable() {
		return machine.ErrNotEditable
	}
	n, ok := c.LastNode().(interface {
		SetEnterBehavior(uml.Constraint, executable.Executable)
	})
	if !ok {
		return nil
	}
	n.SetEnterBehavior(nil, executable.Do(name, func() { behavior(target) }, executable.WithLogger(c.Logger())))
	return nil
}

// PauseAtNode sets or clears the breakpoint on line. A line outside this
// machine is passed to the paused nested command machine, or recorded for
// the nested machines still to be created.
func (c *CommandMachine) PauseAtNode(line int, pause bool) {
	c.mu.Lock()
	node, ok := c.pausable[line]
	c.mu.Unlock()
	if ok {
		node.SetPauseParent(pause)
		return
	}

	if c.IsPaused() {
		if nested := c.pausedCommand(); nested != nil {
			nested.PauseAtNode(line, pause)
			return
		}
	}
	c.breakpoints.Set(line, pause)
}

// CurrentLineNumber returns the line the paused script stopped at, -1 when
// it is not paused at a pausable node.
func (c *CommandMachine) CurrentLineNumber() int {
	if !c.IsPaused() {
		return -1
	}
	if p, ok := c.CurrentNode().(*uml.PausableNode); ok {
		return p.Index()
	}
	if nested := c.pausedCommand(); nested != nil {
		return nested.CurrentLineNumber()
	}
	return -1
}

func (c *CommandMachine) pausedCommand() *CommandMachine {
	h, ok := c.CurrentNode().(interface {
		Host() (executable.SubmachineHost, bool)
	})
	if !ok {
		return nil
	}
	host, ok := h.Host()
	if !ok || !host.IsPaused() {
		return nil
	}
	nested, _ := host.Submachine().(*CommandMachine)
	return nested
}

func (c *CommandMachine) applyBreakpoints() {
	if !c.SupportsSelfPausing() {
		return
	}
	for _, line := range c.breakpoints.Lines() {
		c.mu.Lock()
		node, ok := c.pausable[line]
		c.mu.Unlock()
		if ok {
			node.SetPauseParent(true)
		}
	}
}

// filterCompletion turns a positive error level into a fault and wraps
// faults with the error level. The level is reset so enclosing machines do
// not report it again.
func (c *CommandMachine) filterCompletion(cause machine.CompletionCause, fault error) (machine.CompletionCause, error) {
	level := c.data.takeErrorLevel()
	if fault == nil && level <= 0 {
		return cause, fault
	}
	if fault != nil && cause != machine.CauseFaulted && level <= 0 {
		return cause, fault
	}

	station := ""
	if v, ok := c.data.Value(KeyStation); ok {
		if s, ok := v.(Station); ok && s != nil {
			station = s.Name()
		}
	}
	if _, ok := fault.(*CommandError); !ok {
		fault = &CommandError{Code: level, Station: station, Cause: fault}
	}
	return machine.CauseFaulted, fault
}
