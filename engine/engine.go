// Package engine runs executables and machines on a shared dispatch queue
// and keeps track of which of them are delayed, running or complete.
//
// Machines added with Add wait in the delayed set until one of their execute
// triggers fires; Execute submits an executable to the queue straight away.
// An executable moves to the running set when it raises Started and leaves
// it on its terminal notification. Completion listeners are told about every
// executable that completes, which is how run history is recorded.
//
//	eng, err := engine.New(engine.WithFactory(reg), engine.WithMetrics(scrape))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng.Start()
//	defer eng.Stop()
//	m, err := eng.ExecuteActivityMachine(machine.NewConfiguration("Hello", nil))
package engine

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/goactivity/dispatch"
	"github.com/nomis52/goactivity/event"
	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/metrics"
)

var (
	// ErrNotRunning is returned when the engine has not been started or has been stopped.
	ErrNotRunning = errors.New("engine is not running")

	// ErrNoFactory is returned when a machine is requested from a configuration
	// but no factory was configured.
	ErrNoFactory = errors.New("engine has no machine factory")

	// ErrNotDeferrable is returned by Add for machines without execute triggers.
	ErrNotDeferrable = errors.New("machine cannot request its own execution")
)

const defaultDispatcherName = "ExecutableEngine"

// Factory creates machines from configurations.
type Factory interface {
	Create(cfg *machine.Configuration) (executable.Machine, error)
}

// Requester is implemented by machines that ask to be executed once their
// execute triggers fire.
type Requester interface {
	OnExecuteRequested(fn func(*machine.Machine)) *event.Subscription
}

// Completion describes an executable that completed.
type Completion struct {
	ID          uuid.UUID
	Name        string
	Kind        string
	Cause       machine.CompletionCause
	Err         error
	AddedAt     time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration returns how long the executable ran, zero if it never started.
func (c Completion) Duration() time.Duration {
	if c.StartedAt.IsZero() {
		return 0
	}
	return c.CompletedAt.Sub(c.StartedAt)
}

// Info describes an executable tracked by the engine.
type Info struct {
	ID         uuid.UUID
	Name       string
	Kind       string
	Delayed    bool
	AddedAt    time.Time
	StartedAt  time.Time
	Executable executable.Executable
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithFactory sets the factory used by ExecuteActivityMachine and
// AddActivityMachine.
func WithFactory(f Factory) Option {
	return func(e *Engine) {
		e.factory = f
	}
}

// WithMetrics registers the engine metrics with reg.
func WithMetrics(reg metrics.Registry) Option {
	return func(e *Engine) {
		e.registry = reg
	}
}

// WithDispatcherName names the dispatch queue created by Start.
func WithDispatcherName(name string) Option {
	return func(e *Engine) {
		e.dispatcherName = name
	}
}

type entry struct {
	exe     executable.Executable
	kind    reflect.Type
	seq     uint64
	subs    event.Group
	request *event.Subscription

	delayed   bool
	running   bool
	submitted bool
	done      bool
	addedAt   time.Time
	startedAt time.Time
}

// Engine executes executables on a single dispatch queue.
type Engine struct {
	logger         *slog.Logger
	factory        Factory
	registry       metrics.Registry
	metrics        *engineMetrics
	dispatcherName string

	runMu      sync.Mutex
	running    bool
	dispatcher *dispatch.Dispatcher

	// mu guards the bookkeeping below
	mu           sync.Mutex
	seq          uint64
	entries      map[uuid.UUID]*entry
	runningCount map[reflect.Type]int
	delayedCount map[reflect.Type]int
	totalRunning int
	totalDelayed int
	completed    event.Source[Completion]
	executing    event.Source[executable.Executable]
}

// New returns an engine. It does not run executables until Start.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		logger:         slog.Default(),
		dispatcherName: defaultDispatcherName,
		entries:        make(map[uuid.UUID]*entry),
		runningCount:   make(map[reflect.Type]int),
		delayedCount:   make(map[reflect.Type]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")

	m, err := newEngineMetrics(e.registry)
	if err != nil {
		return nil, fmt.Errorf("registering engine metrics: %w", err)
	}
	e.metrics = m
	return e, nil
}

// OnCompletion registers fn to be called for every executable that completes.
func (e *Engine) OnCompletion(fn func(Completion)) *event.Subscription {
	return e.completed.Subscribe(fn)
}

// OnExecuting registers fn to be called as each executable is put on the queue.
func (e *Engine) OnExecuting(fn func(executable.Executable)) *event.Subscription {
	return e.executing.Subscribe(fn)
}

// IsRunning reports whether the engine accepts work.
func (e *Engine) IsRunning() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// Start creates the dispatch queue and starts accepting work.
func (e *Engine) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return
	}
	e.dispatcher = dispatch.New(e.dispatcherName, dispatch.WithLogger(e.logger))
	e.running = true
	e.logger.Info("engine started", "dispatcher", e.dispatcherName)
}

// Stop closes the dispatch queue, emergency quits every running machine,
// quits every delayed one and stops accepting work.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	d := e.dispatcher
	e.runMu.Unlock()

	d.Close()

	e.mu.Lock()
	running := e.collect(func(ent *entry) bool { return ent.running })
	delayed := e.collect(func(ent *entry) bool { return ent.delayed })
	for _, ent := range append(slices.Clone(running), delayed...) {
		e.removeLocked(ent)
	}
	e.mu.Unlock()
	e.updateGauges()

	for _, ent := range running {
		if m, ok := ent.exe.(executable.Machine); ok {
			m.EmergencyQuit("")
		}
		ent.subs.Close()
	}
	for _, ent := range delayed {
		if m, ok := ent.exe.(executable.Machine); ok {
			m.Quit("")
		}
		ent.subs.Close()
	}
	e.logger.Info("engine stopped", "running", len(running), "delayed", len(delayed))
}

// Add places m in the delayed set until it requests execution.
func (e *Engine) Add(m executable.Machine) error {
	if m == nil {
		return errors.New("machine is required")
	}
	if !e.IsRunning() {
		return ErrNotRunning
	}
	r, ok := m.(Requester)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotDeferrable, m.Name())
	}
	if m.ID() == uuid.Nil {
		m.SetID(uuid.New())
	}

	e.mu.Lock()
	ent, tracked := e.entries[m.ID()]
	if tracked && (ent.running || ent.delayed) {
		e.mu.Unlock()
		return nil
	}
	if !tracked {
		ent = e.trackLocked(m)
	}
	ent.delayed = true
	e.delayedCount[ent.kind]++
	e.totalDelayed++
	e.mu.Unlock()

	e.logger.Debug("machine delayed", "machine", m.Name(), "id", m.ID())
	e.updateGauges()

	// Subscribing can trip a trigger immediately, which re-enters Execute.
	sub := r.OnExecuteRequested(func(*machine.Machine) {
		if err := e.Execute(m); err != nil {
			e.logger.Warn("requested execution rejected", "machine", m.Name(), "error", err)
		}
	})
	e.mu.Lock()
	ent.request = sub
	stale := !ent.delayed
	e.mu.Unlock()
	if stale {
		sub.Close()
	}
	return nil
}

// Execute submits x to the dispatch queue. Executables without an id are
// given one.
func (e *Engine) Execute(x executable.Executable) error {
	if x == nil {
		return errors.New("executable is required")
	}
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return ErrNotRunning
	}
	d := e.dispatcher
	e.runMu.Unlock()

	if x.ID() == uuid.Nil {
		x.SetID(uuid.New())
	}

	e.mu.Lock()
	ent, ok := e.entries[x.ID()]
	if !ok {
		ent = e.trackLocked(x)
	}
	if ent.submitted || ent.running || ent.done {
		e.mu.Unlock()
		return nil
	}
	ent.submitted = true
	e.mu.Unlock()

	e.logger.Debug("putting executable on the dispatcher", "executable", x.Name(), "id", x.ID())
	e.executing.SafeEmit(e.logger, "executing", x)

	if !d.Run(e, func() { e.run(ent) }) {
		e.mu.Lock()
		ent.submitted = false
		e.mu.Unlock()
		return ErrNotRunning
	}
	return nil
}

// run executes the entry. A machine that returns without starting, for
// instance because its resource locks were refused, may be submitted
// again: a delayed one stays delayed until its next request and any other
// is no longer tracked.
func (e *Engine) run(ent *entry) {
	ent.exe.Execute()

	s, ok := ent.exe.(interface{ State() machine.ExecutableState })
	if !ok || s.State() != machine.NotStarted {
		return
	}
	e.mu.Lock()
	if ent.running || ent.done {
		e.mu.Unlock()
		return
	}
	ent.submitted = false
	untrack := !ent.delayed
	if untrack {
		delete(e.entries, ent.exe.ID())
	}
	e.mu.Unlock()

	if untrack {
		ent.subs.Close()
	}
	e.logger.Debug("executable did not start", "executable", ent.exe.Name(), "id", ent.exe.ID(), "delayed", !untrack)
}

// ExecuteActivityMachine creates a machine from cfg and executes it.
func (e *Engine) ExecuteActivityMachine(cfg *machine.Configuration) (executable.Machine, error) {
	m, err := e.createMachine(cfg)
	if err != nil {
		return nil, err
	}
	if err := e.Execute(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AddActivityMachine creates a machine from cfg and adds it to the delayed
// set.
func (e *Engine) AddActivityMachine(cfg *machine.Configuration) (executable.Machine, error) {
	m, err := e.createMachine(cfg)
	if err != nil {
		return nil, err
	}
	if err := e.Add(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (e *Engine) createMachine(cfg *machine.Configuration) (executable.Machine, error) {
	if !e.IsRunning() {
		return nil, ErrNotRunning
	}
	if e.factory == nil {
		return nil, ErrNoFactory
	}
	m, err := e.factory.Create(cfg)
	if err != nil {
		return nil, err
	}
	id := cfg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	m.SetID(id)
	return m, nil
}

// Quit quits every machine after its current activity.
func (e *Engine) Quit() {
	QuitAllOfType[executable.Machine](e, false)
}

// EmergencyQuit quits every machine immediately.
func (e *Engine) EmergencyQuit() {
	QuitAllOfType[executable.Machine](e, true)
}

// TotalCount returns the number of running and delayed executables.
func (e *Engine) TotalCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalRunning + e.totalDelayed
}

// RunningCount returns the number of running executables.
func (e *Engine) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalRunning
}

// DelayedCount returns the number of delayed machines.
func (e *Engine) DelayedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalDelayed
}

// IsExecutableRunning reports whether the executable with id is running.
func (e *Engine) IsExecutableRunning(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[id]
	return ok && ent.running
}

// Lookup returns the running or delayed executable with id.
func (e *Engine) Lookup(id uuid.UUID) (executable.Executable, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[id]
	if !ok || !(ent.running || ent.delayed) {
		return nil, false
	}
	return ent.exe, true
}

// Snapshot returns the running and delayed executables in the order they
// were first seen.
func (e *Engine) Snapshot() []Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	ents := e.collect(func(ent *entry) bool { return ent.running || ent.delayed })
	infos := make([]Info, 0, len(ents))
	for _, ent := range ents {
		infos = append(infos, Info{
			ID:         ent.exe.ID(),
			Name:       ent.exe.Name(),
			Kind:       ent.kind.String(),
			Delayed:    ent.delayed,
			AddedAt:    ent.addedAt,
			StartedAt:  ent.startedAt,
			Executable: ent.exe,
		})
	}
	return infos
}

// QuitAllOfType quits the running and then the delayed machines of type T.
// Both sets are copied before any machine is quit.
func QuitAllOfType[T executable.Machine](e *Engine, immediately bool) {
	e.mu.Lock()
	running := machinesOfType[T](e.collect(func(ent *entry) bool { return ent.running }))
	delayed := machinesOfType[T](e.collect(func(ent *entry) bool { return ent.delayed }))
	e.mu.Unlock()

	e.logger.Debug("quitting machines",
		"type", reflect.TypeFor[T]().String(),
		"running", len(running),
		"delayed", len(delayed),
		"immediately", immediately,
	)
	for _, m := range append(running, delayed...) {
		if immediately {
			m.EmergencyQuit("")
		} else {
			m.Quit("")
		}
	}
}

// GetTotalCountOfType returns the number of running and delayed
// executables of type T.
func GetTotalCountOfType[T any](e *Engine) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Interface {
		return e.runningCount[t] + e.delayedCount[t]
	}
	return len(e.collect(func(ent *entry) bool {
		_, ok := ent.exe.(T)
		return ok && (ent.running || ent.delayed)
	}))
}

// HasDelayedMachinesOfType reports whether a machine of type T is waiting
// to execute.
func HasDelayedMachinesOfType[T any](e *Engine) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Interface {
		return e.delayedCount[t] > 0
	}
	return len(e.collect(func(ent *entry) bool {
		_, ok := ent.exe.(T)
		return ok && ent.delayed
	})) > 0
}

func machinesOfType[T executable.Machine](ents []*entry) []executable.Machine {
	var out []executable.Machine
	for _, ent := range ents {
		if m, ok := ent.exe.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

// collect returns the entries matching keep in sequence order. Callers hold mu.
func (e *Engine) collect(keep func(*entry) bool) []*entry {
	var out []*entry
	for _, ent := range e.entries {
		if keep(ent) {
			out = append(out, ent)
		}
	}
	slices.SortFunc(out, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// trackLocked starts listening to the lifecycle of x. Callers hold mu.
func (e *Engine) trackLocked(x executable.Executable) *entry {
	e.seq++
	ent := &entry{
		exe:     x,
		kind:    reflect.TypeOf(x),
		seq:     e.seq,
		addedAt: time.Now(),
	}
	e.entries[x.ID()] = ent

	events := x.Events()
	ent.subs.Add(
		events.Started.Subscribe(func(executable.Executable) { e.handleStarted(ent) }),
		events.Finished.Subscribe(func(executable.Executable) { e.complete(ent, machine.CauseFinished, nil) }),
		events.Expired.Subscribe(func(executable.Executable) { e.complete(ent, machine.CauseExpired, nil) }),
		events.Interrupted.Subscribe(func(executable.Executable) { e.complete(ent, machine.CauseInterrupted, nil) }),
		events.Faulted.Subscribe(func(f executable.Fault) { e.complete(ent, machine.CauseFaulted, f.Err) }),
	)
	return ent
}

func (e *Engine) handleStarted(ent *entry) {
	e.mu.Lock()
	if ent.done || ent.running {
		e.mu.Unlock()
		return
	}
	if ent.delayed {
		ent.delayed = false
		e.delayedCount[ent.kind]--
		e.totalDelayed--
	}
	ent.running = true
	ent.startedAt = time.Now()
	e.runningCount[ent.kind]++
	e.totalRunning++
	request := ent.request
	e.mu.Unlock()

	request.Close()
	e.logger.Debug("executable running", "executable", ent.exe.Name(), "id", ent.exe.ID())
	e.updateGauges()
}

func (e *Engine) complete(ent *entry, cause machine.CompletionCause, err error) {
	e.mu.Lock()
	if ent.done {
		e.mu.Unlock()
		return
	}
	e.removeLocked(ent)
	e.mu.Unlock()

	ent.subs.Close()
	if c, ok := ent.exe.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			e.logger.Warn("failed to dispose executable", "executable", ent.exe.Name(), "error", cerr)
		}
	}

	c := Completion{
		ID:          ent.exe.ID(),
		Name:        ent.exe.Name(),
		Kind:        ent.kind.String(),
		Cause:       cause,
		Err:         err,
		AddedAt:     ent.addedAt,
		StartedAt:   ent.startedAt,
		CompletedAt: time.Now(),
	}
	if err != nil {
		e.logger.Error("executable faulted", "executable", c.Name, "id", c.ID, "error", err)
	} else {
		e.logger.Debug("executable completed", "executable", c.Name, "id", c.ID, "cause", cause)
	}
	e.metrics.completed.With(map[string]string{"cause": cause.String()}).Inc()
	e.updateGauges()
	e.completed.SafeEmit(e.logger, "completed", c)
}

// removeLocked drops ent from the running and delayed sets. Callers hold mu.
func (e *Engine) removeLocked(ent *entry) {
	if ent.delayed {
		e.delayedCount[ent.kind]--
		e.totalDelayed--
	}
	if ent.running {
		e.runningCount[ent.kind]--
		e.totalRunning--
	}
	ent.delayed, ent.running, ent.done = false, false, true
	ent.request.Close()
	delete(e.entries, ent.exe.ID())
}

func (e *Engine) updateGauges() {
	e.mu.Lock()
	running, delayed := e.totalRunning, e.totalDelayed
	e.mu.Unlock()
	e.metrics.running.Set(float64(running))
	e.metrics.delayed.Set(float64(delayed))
}
