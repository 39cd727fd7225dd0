package machine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nomis52/goactivity/dispatch"
	"github.com/nomis52/goactivity/event"
	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/triggers"
	"github.com/nomis52/goactivity/uml"
)

const (
	tracerName  = "github.com/nomis52/goactivity/machine"
	lockTimeout = 5 * time.Second
)

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets a custom logger for the machine
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.baseLogger = logger
	}
}

// WithDispatcher runs the machine on a shared dispatcher instead of its own.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(m *Machine) {
		m.dispatcher = d
	}
}

// WithTracer sets the tracer used for the execution span.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Machine) {
		m.tracer = tracer
	}
}

// WithConfiguration sets the builder inputs.
func WithConfiguration(cfg *Configuration) Option {
	return func(m *Machine) {
		m.config = cfg
	}
}

// WithBuilder sets the builder run by Execute.
func WithBuilder(b Builder) Option {
	return func(m *Machine) {
		m.builder = b
	}
}

// WithTimeout sets the expiration duration of the whole machine.
func WithTimeout(d time.Duration) Option {
	return func(m *Machine) {
		m.SetTimeout(d)
	}
}

// WithHaltOnFault makes node faults complete the machine as Faulted.
func WithHaltOnFault(halt bool) Option {
	return func(m *Machine) {
		m.haltOnFault = halt
	}
}

// WithSynchronous makes Execute block until the machine completes.
func WithSynchronous(synchronous bool) Option {
	return func(m *Machine) {
		m.synchronous = synchronous
	}
}

// CompletionFilter may rewrite the completion cause and fault right before
// the completion notifications are raised.
type CompletionFilter func(cause CompletionCause, fault error) (CompletionCause, error)

// Machine runs a chain of conditional nodes between an initial and a final
// node. The chain is assembled by a Builder when Execute is called and is
// then traversed on a single-consumer dispatcher: every transition attempt
// is a work item, so traversal of one machine tree never runs concurrently.
//
// Each added node gets a finish transition to the final node, guarded by
// "the cause is no longer pending or the node has no continue transition",
// and conditional nodes get a quit transition that never fires unless a
// quit condition is supplied. Consecutive nodes are joined by continue
// transitions guarded by "the cause is pending" and the continue constraint
// of the node they leave.
type Machine struct {
	executable.Base

	baseLogger *slog.Logger
	logger     *slog.Logger
	tracer     trace.Tracer
	span       trace.Span

	// mu guards the lifecycle fields below
	mu              sync.Mutex
	state           ExecutableState
	cause           CompletionCause
	fault           error
	current         uml.Node
	initial         *uml.StateNode
	final           *uml.StateNode
	last            uml.Node
	nodes           []uml.Node
	editable        bool
	assembled       bool
	notified        bool
	starting        bool
	synchronous     bool
	haltOnFault     bool
	requiresLocking bool
	resources       []Resource
	heldLocks       []Resource
	config          *Configuration
	builder         Builder
	filter          CompletionFilter

	// traverseMu serializes the exit and enter of a single traversal
	traverseMu sync.Mutex

	dispatcher      *dispatch.Dispatcher
	localDispatcher bool

	runtimeTriggers []*uml.Trigger
	executeTriggers []*uml.Trigger
	extraFinish     uml.Constraint
	extraQuit       uml.Constraint
	activityCount   int
	waitCount       int

	defaultFinish   uml.Constraint
	defaultContinue uml.Constraint
	finishTrigger   *uml.Trigger
	finishEffect    executable.Executable

	done chan struct{}
	subs event.Group

	machineEvents      executable.MachineEvents
	currentNodeChanged event.Source[uml.Node]
	nodeEntered        event.Source[uml.Node]
	stateEntered       event.Source[string]
	executeRequested   event.Source[*Machine]
	pausableEntered    event.Source[executable.PausePoint]
}

// New returns a machine named name. It is not built until Execute.
func New(name string, opts ...Option) *Machine {
	m := &Machine{
		tracer: otel.Tracer(tracerName),
		done:   make(chan struct{}),
	}
	m.Init(m, name)

	// Apply options
	for _, opt := range opts {
		opt(m)
	}

	if m.config != nil && m.config.Logger != nil {
		m.baseLogger = m.config.Logger
	}
	if m.baseLogger == nil {
		m.baseLogger = slog.Default()
	}
	m.logger = m.baseLogger.With("component", "machine", "machine", name)
	m.SetLogger(m.logger)
	m.SetExpirationHandler(m.handleExpired)

	m.defaultFinish = uml.NewCondition("Machine Can Finish", m.CheckMachineCanFinish,
		uml.SuppressLogging(), uml.WithConstraintLogger(m.logger))
	m.defaultContinue = uml.NewCondition("Machine Can Not Finish", m.CheckMachineCanNotFinish,
		uml.SuppressLogging(), uml.WithConstraintLogger(m.logger))
	m.finishTrigger = triggers.QuitHandling("Finishing", m, nil, uml.WithTriggerLogger(m.logger))
	m.finishEffect = executable.Do("SetCompletionCauseFinished", func() {
		m.setCause(CauseFinished, nil)
	}, executable.WithLogger(m.logger))
	return m
}

// Logger returns the machine scoped logger.
func (m *Machine) Logger() *slog.Logger {
	return m.logger
}

// MachineEvents returns the Paused, Resumed and Quitting notifications.
func (m *Machine) MachineEvents() *executable.MachineEvents {
	return &m.machineEvents
}

// CurrentNodeChanged is raised whenever the current node pointer moves.
func (m *Machine) CurrentNodeChanged() *event.Source[uml.Node] {
	return &m.currentNodeChanged
}

// NodeEntered is raised after any node of the machine is entered.
func (m *Machine) NodeEntered() *event.Source[uml.Node] {
	return &m.nodeEntered
}

// StateEntered is raised with the name of every node entered.
func (m *Machine) StateEntered() *event.Source[string] {
	return &m.stateEntered
}

// PausableNodeEntered is raised when a pausable node of this machine or of
// a nested machine is entered.
func (m *Machine) PausableNodeEntered() *event.Source[executable.PausePoint] {
	return &m.pausableEntered
}

// OnExecuteRequested registers fn to be called when an execute trigger
// trips. Registering while the machine has not started enables the execute
// triggers.
func (m *Machine) OnExecuteRequested(fn func(*Machine)) *event.Subscription {
	sub := m.executeRequested.Subscribe(fn)
	if m.State() == NotStarted {
		m.mu.Lock()
		trigs := append([]*uml.Trigger(nil), m.executeTriggers...)
		m.mu.Unlock()
		for _, t := range trigs {
			t.Enable()
		}
	}
	return sub
}

// RequestExecution raises the execute request directly.
func (m *Machine) RequestExecution() {
	m.executeRequested.SafeEmit(m.logger, "execute_requested", m)
}

// HasExecuteTriggers reports whether the machine waits for a trigger before
// it executes.
func (m *Machine) HasExecuteTriggers() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.executeTriggers) > 0
}

// State returns the lifecycle state.
func (m *Machine) State() ExecutableState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Cause returns the completion cause.
func (m *Machine) Cause() CompletionCause {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// Fault returns the recorded fault, if any.
func (m *Machine) Fault() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fault
}

// CurrentNode returns the node the machine is in.
func (m *Machine) CurrentNode() uml.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// FinalNode returns the terminal node, nil before Execute.
func (m *Machine) FinalNode() *uml.StateNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.final
}

// LastNode returns the most recently added node.
func (m *Machine) LastNode() uml.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Nodes returns the added nodes in chain order.
func (m *Machine) Nodes() []uml.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uml.Node(nil), m.nodes...)
}

// IsPaused reports whether the machine is paused.
func (m *Machine) IsPaused() bool {
	return m.State() == Paused
}

// IsQuitting reports whether the completion cause has been decided.
func (m *Machine) IsQuitting() bool {
	return m.Cause() != CausePending
}

// IsEditable reports whether assembly operations are allowed.
func (m *Machine) IsEditable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.editable
}

// IsAssembled reports whether the builder has run.
func (m *Machine) IsAssembled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assembled
}

// HaltOnFault reports whether node faults complete the machine.
func (m *Machine) HaltOnFault() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haltOnFault
}

// SetHaltOnFault sets whether node faults complete the machine.
func (m *Machine) SetHaltOnFault(halt bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltOnFault = halt
}

// SetSynchronous sets whether Execute blocks until completion.
func (m *Machine) SetSynchronous(synchronous bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synchronous = synchronous
}

// Configuration returns the builder inputs.
func (m *Machine) Configuration() *Configuration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// SetConfiguration replaces the builder inputs.
func (m *Machine) SetConfiguration(cfg *Configuration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
}

// Builder returns the builder.
func (m *Machine) Builder() Builder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.builder
}

// SetBuilder replaces the builder.
func (m *Machine) SetBuilder(b Builder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builder = b
}

// SetCompletionFilter installs f, called once as the machine completes.
func (m *Machine) SetCompletionFilter(f CompletionFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = f
}

// Dispatcher returns the queue the machine runs on, nil before Execute
// unless one was supplied.
func (m *Machine) Dispatcher() *dispatch.Dispatcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispatcher
}

// Done is closed once the completion notification has been raised.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// WaitUntilFinished blocks until the machine completes or ctx is done.
func (m *Machine) WaitUntilFinished(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks for at most timeout and reports whether the machine completed.
func (m *Machine) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.done:
		return true
	case <-timer.C:
		return false
	}
}

// CheckMachineCanFinish holds once the cause is decided or the current node
// has nowhere to continue to.
func (m *Machine) CheckMachineCanFinish() bool {
	m.mu.Lock()
	cause, cur := m.cause, m.current
	m.mu.Unlock()

	if cause != CausePending {
		return true
	}
	return cur == nil || cur.Connectors().Continue == nil
}

// CheckMachineCanNotFinish holds while the cause is pending.
func (m *Machine) CheckMachineCanNotFinish() bool {
	return m.Cause() == CausePending
}

// Execute builds the chain and starts traversing it. Only the first call
// on a machine that has not started has any effect.
func (m *Machine) Execute() {
	m.mu.Lock()
	if m.builder == nil || m.config == nil {
		m.mu.Unlock()
		m.logger.Error("cannot execute machine", "error", ErrMissingBuilder)
		m.quitInternal(true, ErrMissingBuilder)
		return
	}
	if m.state != NotStarted || m.starting {
		m.mu.Unlock()
		return
	}
	m.starting = true
	m.mu.Unlock()

	m.ensureDispatcher()
	m.initializeNodes()

	if ok := m.assemble(); !ok {
		return
	}

	m.mu.Lock()
	if m.state != NotStarted {
		m.mu.Unlock()
		return
	}
	m.cause = CausePending
	m.state = Running
	synchronous := m.synchronous
	trigs := append([]*uml.Trigger(nil), m.executeTriggers...)
	m.mu.Unlock()

	for _, t := range trigs {
		t.Disable()
	}

	m.applyExtraConstraints()
	m.applyRuntimeTriggers()

	_, span := m.tracer.Start(context.Background(), "machine.execute",
		trace.WithAttributes(
			attribute.String("machine.name", m.Name()),
			attribute.String("machine.id", m.ID().String()),
		))
	m.mu.Lock()
	m.span = span
	m.mu.Unlock()

	m.logger.Debug("machine started", "nodes", len(m.Nodes()))
	m.RaiseStarted()
	m.StartTiming()

	if !m.dispatcher.Run(m, m.enterInitialNode) {
		m.logger.Error("dispatcher closed, cannot start machine", "dispatcher", m.dispatcher.Name())
		m.quitInternal(true, fmt.Errorf("dispatcher %s is closed", m.dispatcher.Name()))
	}

	if synchronous {
		<-m.done
	}
}

func (m *Machine) ensureDispatcher() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dispatcher != nil {
		return
	}
	if m.config != nil && m.config.Dispatcher != nil {
		m.dispatcher = m.config.Dispatcher
		return
	}
	m.dispatcher = dispatch.New(m.Name(), dispatch.WithLogger(m.baseLogger))
	m.localDispatcher = true
}

// initializeNodes creates the initial and final nodes. The node wiring
// reads the machine fields back, so it runs without m.mu held.
func (m *Machine) initializeNodes() {
	m.mu.Lock()
	if m.initial != nil {
		m.mu.Unlock()
		return
	}
	name := m.Name()
	final := uml.NewStateNode("Final", name, uml.WithNodeLogger(m.logger))
	initial := uml.NewStateNode("Initial", name, uml.WithNodeLogger(m.logger))
	m.final = final
	m.initial = initial
	m.last = initial
	m.mu.Unlock()

	final.SetExitBehavior(nil, executable.Do("CompleteExecution", func() { m.finalize() }, executable.WithLogger(m.logger)))
	m.subscribeNode(final)
	m.subscribeNode(initial)
	m.addFinishTransition(initial)
}

// assemble obtains the resource locks and runs the builder. It reports
// whether the machine may start.
func (m *Machine) assemble() bool {
	m.mu.Lock()
	requiresLocking := m.requiresLocking
	builder := m.builder
	m.mu.Unlock()

	if requiresLocking {
		if err := m.obtainLocks(); err != nil {
			m.logger.Info("resource locks unavailable, machine not started", "error", err)
			m.releaseLocks()
			m.mu.Lock()
			m.starting = false
			m.mu.Unlock()
			return false
		}
	}

	m.BeginEditing()
	err := executable.Safely(func() error { return builder.Build(m) })
	m.StopEditing()

	if err != nil {
		m.logger.Error("machine builder failed", "error", err)
		m.quitInternal(true, fmt.Errorf("failed to build %s: %w", m.Name(), err))
		return false
	}
	return m.State() == NotStarted
}

func (m *Machine) obtainLocks() error {
	m.mu.Lock()
	resources := append([]Resource(nil), m.resources...)
	m.mu.Unlock()

	owner := m.ID().String()
	for _, r := range resources {
		ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
		ok, err := r.ObtainLock(ctx, owner)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", r.Name(), err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrLockUnavailable, r.Name())
		}
		m.mu.Lock()
		m.heldLocks = append(m.heldLocks, r)
		m.mu.Unlock()
	}
	return nil
}

func (m *Machine) releaseLocks() {
	m.mu.Lock()
	held := m.heldLocks
	m.heldLocks = nil
	m.mu.Unlock()

	owner := m.ID().String()
	for _, r := range held {
		ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
		if err := r.ReleaseLock(ctx, owner); err != nil {
			m.logger.Warn("failed to release resource lock", "resource", r.Name(), "error", err)
		}
		cancel()
	}
}

func (m *Machine) applyExtraConstraints() {
	m.mu.Lock()
	extraFinish, extraQuit := m.extraFinish, m.extraQuit
	nodes := append([]uml.Node{m.initial}, m.nodes...)
	m.mu.Unlock()

	for _, n := range nodes {
		c := n.Connectors()
		if extraFinish != nil && c.Finish != nil {
			c.Finish.SetGuard(orGuard(c.Finish.Guard(), extraFinish))
		}
		if extraQuit != nil && c.Quit != nil {
			c.Quit.SetGuard(orGuard(c.Quit.Guard(), extraQuit))
		}
	}
}

func (m *Machine) applyRuntimeTriggers() {
	m.mu.Lock()
	runtime := append([]*uml.Trigger(nil), m.runtimeTriggers...)
	nodes := append([]uml.Node{m.initial}, m.nodes...)
	m.mu.Unlock()

	for _, n := range nodes {
		trigs := runtime
		if c, ok := n.(conditional); ok {
			if overriding := c.OverridingTriggers(); len(overriding) > 0 {
				trigs = overriding
			}
		}
		for _, t := range n.Connectors().All() {
			for _, trig := range trigs {
				t.UseTrigger(trig.Copy())
			}
		}
	}
}

func (m *Machine) enterInitialNode() {
	m.mu.Lock()
	initial := m.initial
	m.mu.Unlock()

	m.setCurrent(initial)
	initial.EnterFrom(uml.Origin{From: m.Name(), Trigger: "Execute"})
	m.runToCompletion()
}

func (m *Machine) setCurrent(n uml.Node) {
	m.mu.Lock()
	m.current = n
	span := m.span
	m.mu.Unlock()

	if span != nil {
		span.AddEvent("node.current", trace.WithAttributes(attribute.String("node", n.Name())))
	}
	m.currentNodeChanged.SafeEmit(m.logger, "current_node_changed", n)
}

// runToCompletion attempts the connectors of the current node in order.
// A node without connectors is exited directly.
func (m *Machine) runToCompletion() {
	m.mu.Lock()
	cur, state, cause := m.current, m.state, m.cause
	m.mu.Unlock()

	if cur == nil || state == Finished || (state == Paused && cause == CausePending) {
		return
	}

	connectors := cur.Connectors().All()
	if len(connectors) == 0 {
		if !cur.TryExit() {
			m.logger.Error("failed to exit node", "node", cur.Name())
			return
		}
		if m.isFinal(cur) {
			m.notifyCompletion()
		}
		return
	}

	m.dispatcher.Run(m, func() {
		for _, t := range connectors {
			if m.traverseConnector(t, "RunToCompletion") {
				return
			}
		}
		m.logger.Debug("execution impeded", "node", cur.Name())
	})
}

// traverseConnector exits the supplier of t and enters its consumer if t is
// leaving the current node and its guard holds.
func (m *Machine) traverseConnector(t *uml.Transition, trigger string) bool {
	m.mu.Lock()
	paused := m.state == Paused && m.cause == CausePending
	m.mu.Unlock()
	if paused {
		m.logger.Debug("machine is paused, transition not attempted", "transition", t.String())
		return false
	}

	m.traverseMu.Lock()
	ok := m.CurrentNode() == t.Supplier() &&
		t.CanTraverse() &&
		t.Consumer().CanEnter() &&
		t.Supplier().TryExit()
	if ok {
		ok = t.Traverse(trigger, func(t *uml.Transition) {
			m.traced("transition.traversed", attribute.String("transition", t.String()))
			m.setCurrent(t.Consumer())
		})
		if !ok {
			m.logger.Error("machine in limbo: exited node but could not enter the next", "transition", t.String())
		}
	}
	m.traverseMu.Unlock()

	if ok {
		m.runToCompletion()
	}
	return ok
}

func (m *Machine) traced(name string, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	span := m.span
	m.mu.Unlock()
	if span != nil {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

func (m *Machine) handleTransitionFired(f uml.Firing) {
	trigger := "unknown"
	if f.Trigger != nil {
		trigger = f.Trigger.Name()
	}
	m.dispatcher.Run(m, func() {
		m.traverseConnector(f.Transition, trigger)
	})
}

// setCause moves the cause out of Pending. It reports whether it did and
// raises Quitting when it does.
func (m *Machine) setCause(cause CompletionCause, fault error) bool {
	m.mu.Lock()
	changed := m.setCauseLocked(cause)
	if fault != nil {
		m.fault = fault
	}
	m.mu.Unlock()

	if changed {
		m.logger.Debug("completion cause set", "cause", cause.String())
		m.machineEvents.Quitting.SafeEmit(m.logger, "quitting", m)
	}
	return changed
}

func (m *Machine) setCauseLocked(cause CompletionCause) bool {
	if m.cause != CausePending || cause == CausePending {
		return false
	}
	m.cause = cause
	return true
}

// Quit interrupts the machine. The quit is carried out by the next legal
// traversal to the final node; a machine that never started completes at
// once.
func (m *Machine) Quit(reason string) {
	m.logger.Info("quitting machine", "reason", reason)
	m.quitInternal(m.State() == NotStarted, nil)
}

// EmergencyQuit interrupts the machine and tears it down without waiting for
// a traversal.
func (m *Machine) EmergencyQuit(reason string) {
	m.logger.Info("emergency quitting machine", "reason", reason)
	m.quitInternal(true, nil)
}

// Cancel decides the completion cause from inside a running machine, for
// instance from a behavior that detected a failed move. The machine
// completes with cause at its next traversal. It reports whether the cause
// was still pending.
func (m *Machine) Cancel(cause CompletionCause, fault error) bool {
	if cause == CausePending {
		return false
	}
	changed := m.setCause(cause, fault)
	if changed {
		m.runToCompletion()
	}
	return changed
}

func (m *Machine) quitInternal(doTeardown bool, err error) {
	m.mu.Lock()
	m.editable = false
	m.mu.Unlock()

	cause := CauseInterrupted
	if err != nil {
		cause = CauseFaulted
	}
	m.setCause(cause, err)

	switch {
	case doTeardown:
		m.completeExecution()
	case m.IsPaused():
		m.Resume()
	default:
		m.runToCompletion()
	}
}

// completeExecution finishes the machine: it stops the timer, drops the
// queued work, releases the locks, raises the notification for the cause
// and tears the graph down.
func (m *Machine) completeExecution() {
	if m.finalize() {
		m.notifyCompletion()
	}
}

// finalize moves the machine to Finished once and releases what it holds.
// It reports whether it did.
func (m *Machine) finalize() bool {
	m.mu.Lock()
	if m.state == Finished || m.cause == CausePending {
		m.mu.Unlock()
		return false
	}
	m.state = Finished
	if m.filter != nil {
		m.cause, m.fault = m.filter(m.cause, m.fault)
	}
	d := m.dispatcher
	m.mu.Unlock()

	m.StopTiming()
	if d != nil {
		d.CancelRemaining(m)
	}
	m.releaseLocks()
	return true
}

// notifyCompletion raises the notification for the cause once the final
// node has been left, then tears the graph down.
func (m *Machine) notifyCompletion() {
	m.mu.Lock()
	if m.notified || m.state != Finished {
		m.mu.Unlock()
		return
	}
	m.notified = true
	cause, fault := m.cause, m.fault
	span := m.span
	m.mu.Unlock()

	if span != nil {
		span.SetAttributes(attribute.String("machine.cause", cause.String()))
	}
	m.logger.Debug("machine completed", "cause", cause.String())

	switch cause {
	case CauseFinished:
		m.RaiseFinished()
	case CauseExpired:
		m.RaiseExpired()
	case CauseInterrupted:
		m.RaiseInterrupted()
	case CauseFaulted:
		if fault == nil {
			fault = ErrFaulted
		}
		if span != nil {
			span.RecordError(fault)
			span.SetStatus(codes.Error, fault.Error())
		}
		m.RaiseFaulted(fault)
	}

	if span != nil {
		span.End()
	}
	close(m.done)

	m.teardown()
}

func (m *Machine) isFinal(n uml.Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.final != nil && n == uml.Node(m.final)
}

func (m *Machine) teardown() {
	m.mu.Lock()
	nodes := m.nodes
	m.nodes = nil
	initial, final := m.initial, m.final
	d, local := m.dispatcher, m.localDispatcher
	trigs := append(append([]*uml.Trigger(nil), m.runtimeTriggers...), m.executeTriggers...)
	m.mu.Unlock()

	if local && d != nil {
		go func() {
			d.WaitUntilDone()
			d.Close()
		}()
	}

	for _, n := range nodes {
		n.Dispose()
	}
	if initial != nil {
		initial.Dispose()
	}
	if final != nil {
		final.Dispose()
	}
	for _, t := range trigs {
		t.Dispose()
	}
	m.finishTrigger.Dispose()
	m.subs.Close()
}

func (m *Machine) handleExpired() {
	m.StopTiming()
	m.logger.Debug("machine expired")
	m.setCause(CauseExpired, nil)
	if m.IsPaused() {
		m.Resume()
		return
	}
	m.runToCompletion()
}

func (m *Machine) handleNodeEntered(n uml.Node, origin uml.Origin) {
	m.traced("node.entered", attribute.String("node", n.Name()), attribute.String("from", origin.From))
	m.stateEntered.SafeEmit(m.logger, "state_entered", n.Name())
	m.nodeEntered.SafeEmit(m.logger, "node_entered", n)

	if p, ok := n.(*uml.PausableNode); ok {
		m.pausableEntered.SafeEmit(m.logger, "pausable_node_entered", executable.PausePoint{
			Machine: m,
			Node:    p.Name(),
			Line:    p.Index(),
		})
	}
}

func (m *Machine) handleNodeFaulted(f uml.NodeFault) {
	if !m.HaltOnFault() {
		m.logger.Warn("node faulted, continuing", "node", nodeName(f.Node), "error", f.Err)
		m.runToCompletion()
		return
	}
	m.logger.Error("node faulted, halting machine", "node", nodeName(f.Node), "error", f.Err)
	m.setCause(CauseFaulted, f.Err)
	m.runToCompletion()
}

func (m *Machine) handleNodeTimedOut(n uml.Node) {
	m.logger.Debug("node timed out", "node", nodeName(n))
	m.setCause(CauseExpired, nil)
	m.runToCompletion()
}

// Pause disables the connectors of the current node. When the current node
// hosts a nested machine that is itself paused, the request is passed to
// the nested machine instead.
func (m *Machine) Pause() {
	if nested := m.pausedSubmachine(); nested != nil {
		nested.Pause()
		return
	}
	m.pauseLocal()
}

// Resume re-enables the connectors of the current node and retries the
// chain, or resumes the paused nested machine of the current node.
func (m *Machine) Resume() {
	if nested := m.pausedSubmachine(); nested != nil {
		nested.Resume()
		return
	}
	m.resumeLocal()
}

func (m *Machine) pausedSubmachine() executable.Machine {
	host, ok := hostOf(m.CurrentNode())
	if !ok {
		return nil
	}
	if nested := host.Submachine(); nested != nil && host.IsPaused() {
		return nested
	}
	return nil
}

func (m *Machine) pauseLocal() {
	m.mu.Lock()
	if m.state != Running {
		m.mu.Unlock()
		return
	}
	m.state = Paused
	cur := m.current
	m.mu.Unlock()

	m.logger.Debug("pausing execution")
	if cur != nil {
		cur.DisableConnectors()
	}
	m.machineEvents.Paused.SafeEmit(m.logger, "paused", m)
}

func (m *Machine) resumeLocal() {
	m.mu.Lock()
	if m.state != Paused {
		m.mu.Unlock()
		return
	}
	m.state = Running
	cur := m.current
	m.mu.Unlock()

	m.logger.Debug("resuming execution")
	m.machineEvents.Resumed.SafeEmit(m.logger, "resumed", m)
	if cur != nil {
		cur.EnableConnectors()
	}
	m.runToCompletion()
}

type conditional interface {
	ContinueConstraint() uml.Constraint
	OverridingTriggers() []*uml.Trigger
}

type stateful interface {
	StateEvents() *uml.StateEvents
}

type hosting interface {
	Host() (executable.SubmachineHost, bool)
}

func hostOf(n uml.Node) (executable.SubmachineHost, bool) {
	h, ok := n.(hosting)
	if !ok {
		return nil, false
	}
	return h.Host()
}

func nodeName(n uml.Node) string {
	if n == nil {
		return "?"
	}
	return n.Name()
}

func orGuard(guard, extra uml.Constraint) uml.Constraint {
	if guard == nil {
		return extra
	}
	return guard.OrWith(extra)
}

func andGuard(guard, extra uml.Constraint) uml.Constraint {
	if guard == nil {
		return extra
	}
	return guard.AndWith(extra)
}
