package executable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nomis52/goactivity/event"
)

// ErrNoFactory is raised when a sub-machine host has nothing to create its
// nested machine with.
var ErrNoFactory = errors.New("no machine factory")

// Machine is the view of an activity machine needed to host it as a nested
// behavior.
type Machine interface {
	Executable
	MachineEvents() *MachineEvents
	IsPaused() bool
	IsQuitting() bool
	Pause()
	Resume()
	Quit(reason string)
	EmergencyQuit(reason string)
	SetSynchronous(synchronous bool)
}

// MachineEvents are the notifications specific to machines.
type MachineEvents struct {
	Paused   event.Source[Executable]
	Resumed  event.Source[Executable]
	Quitting event.Source[Executable]
}

// PausePoint describes a pausable node that was entered.
type PausePoint struct {
	Machine Executable
	Node    string
	Line    int
}

// PausePointReporter is implemented by machines with pausable nodes.
type PausePointReporter interface {
	PausableNodeEntered() *event.Source[PausePoint]
}

// Quitter reports whether a machine has started quitting.
type Quitter interface {
	IsQuitting() bool
}

// MachineFactory creates the nested machine for an iteration named name.
type MachineFactory func(name string) (Machine, error)

// SubmachineEvents are raised by a sub-machine host about its nested machine.
type SubmachineEvents struct {
	Created             event.Source[Machine]
	Done                event.Source[Machine]
	Paused              event.Source[Machine]
	Resumed             event.Source[Machine]
	PausableNodeEntered event.Source[PausePoint]
}

// SubmachineHost is implemented by behaviors that run a nested machine.
type SubmachineHost interface {
	Executable
	SubmachineEvents() *SubmachineEvents
	Submachine() Machine
	IsPaused() bool
	Result() Result
}

// Result is the outcome of a sub-machine host.
type Result int

const (
	ResultPending Result = iota
	ResultFinished
	ResultExpired
	ResultInterrupted
	ResultFaulted
)

// String returns the string representation of the result.
func (r Result) String() string {
	switch r {
	case ResultPending:
		return "Pending"
	case ResultFinished:
		return "Finished"
	case ResultExpired:
		return "Expired"
	case ResultInterrupted:
		return "Interrupted"
	case ResultFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

type loopKind int

const (
	loopOnce loopKind = iota
	loopWhile
	loopFor
)

// Submachine runs a nested machine as a behavior. DoIf runs it once when a
// precondition holds, DoWhile repeats it while the precondition holds and
// ForLoop wraps the repetition with counter initialization and increment.
type Submachine struct {
	Base

	kind         loopKind
	precondition func() bool
	create       MachineFactory
	initialize   func()
	increment    func()
	root         Quitter
	events       SubmachineEvents

	mu        sync.Mutex
	machine   Machine
	subs      event.Group
	iteration int
	result    Result
	paused    bool
}

// SubmachineOption configures a Submachine.
type SubmachineOption func(*Submachine)

// WithRoot sets the root machine consulted before each iteration; once it
// quits no further nested machines are created.
func WithRoot(root Quitter) SubmachineOption {
	return func(s *Submachine) {
		s.root = root
	}
}

// WithSubmachineOptions applies Base options.
func WithSubmachineOptions(opts ...Option) SubmachineOption {
	return func(s *Submachine) {
		s.Apply(opts...)
	}
}

// NewDoIf returns a host that runs one nested machine if precondition holds.
func NewDoIf(name string, precondition func() bool, create MachineFactory, opts ...SubmachineOption) *Submachine {
	return newSubmachine(loopOnce, name, precondition, create, opts)
}

// NewDoWhile returns a host that runs nested machines while precondition
// holds, checking it before each iteration.
func NewDoWhile(name string, precondition func() bool, create MachineFactory, opts ...SubmachineOption) *Submachine {
	return newSubmachine(loopWhile, name, precondition, create, opts)
}

// NewForLoop returns a host that calls initialize, then runs nested machines
// while condition holds, calling increment after each iteration.
func NewForLoop(name string, initialize func(), condition func() bool, increment func(), create MachineFactory, opts ...SubmachineOption) *Submachine {
	s := newSubmachine(loopFor, name, condition, create, opts)
	s.initialize = initialize
	s.increment = increment
	return s
}

func newSubmachine(kind loopKind, name string, precondition func() bool, create MachineFactory, opts []SubmachineOption) *Submachine {
	s := &Submachine{
		kind:         kind,
		precondition: precondition,
		create:       create,
	}
	s.Init(s, name)
	s.SetExpirationHandler(s.handleTimeout)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmachineEvents returns the nested machine notifications.
func (s *Submachine) SubmachineEvents() *SubmachineEvents {
	return &s.events
}

// Submachine returns the nested machine of the current iteration.
func (s *Submachine) Submachine() Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine
}

// IsPaused reports whether the nested machine is paused.
func (s *Submachine) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Result returns the outcome once the host is done.
func (s *Submachine) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Iteration returns how many nested machines have been created.
func (s *Submachine) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// Execute evaluates the precondition and starts the first nested machine.
func (s *Submachine) Execute() {
	s.RaiseStarted()
	s.StartTiming()

	err := Safely(func() error {
		if s.kind == loopFor && s.initialize != nil {
			s.initialize()
		}
		if !s.canRun() {
			s.finish(ResultFinished)
			return nil
		}
		return s.runNext()
	})
	if err != nil {
		s.handleDone(ResultFaulted, err)
	}
}

func (s *Submachine) canRun() bool {
	if s.isQuitting() {
		s.Logger().Debug("root machine is quitting", "executable", s.Name())
		return false
	}
	return s.precondition == nil || s.precondition()
}

func (s *Submachine) isQuitting() bool {
	return s.root != nil && s.root.IsQuitting()
}

func (s *Submachine) runNext() error {
	if s.create == nil {
		return fmt.Errorf("%s: %w", s.Name(), ErrNoFactory)
	}

	s.mu.Lock()
	name := s.Name()
	if s.kind != loopOnce {
		name = fmt.Sprintf("%s-Iteration%d", s.Name(), s.iteration)
	}
	s.iteration++
	s.mu.Unlock()

	m, err := s.create(name)
	if err != nil {
		return fmt.Errorf("failed to create nested machine for %s: %w", s.Name(), err)
	}
	if m == nil {
		return fmt.Errorf("failed to create nested machine for %s", s.Name())
	}

	s.subscribe(m)
	s.events.Created.SafeEmit(s.Logger(), "submachine_created", m)

	m.SetSynchronous(false)
	m.Execute()
	return nil
}

func (s *Submachine) subscribe(m Machine) {
	s.subs.Close()

	s.mu.Lock()
	s.machine = m
	s.paused = false
	s.mu.Unlock()

	events := m.Events()
	machineEvents := m.MachineEvents()
	s.subs.Add(
		events.Finished.Subscribe(func(Executable) { s.handleFinished() }),
		events.Expired.Subscribe(func(Executable) { s.handleDone(ResultExpired, nil) }),
		events.Interrupted.Subscribe(func(Executable) { s.handleDone(ResultInterrupted, ErrInterrupted) }),
		events.Faulted.Subscribe(func(f Fault) { s.handleDone(ResultFaulted, f.Err) }),
		machineEvents.Paused.Subscribe(func(Executable) { s.handlePaused(m) }),
		machineEvents.Resumed.Subscribe(func(Executable) { s.handleResumed(m) }),
	)
	if reporter, ok := m.(PausePointReporter); ok {
		s.subs.Add(reporter.PausableNodeEntered().Subscribe(func(p PausePoint) {
			s.events.PausableNodeEntered.SafeEmit(s.Logger(), "pausable_node_entered", p)
		}))
	}
}

func (s *Submachine) handleFinished() {
	if s.kind == loopFor && s.increment != nil {
		if err := Safely(func() error { s.increment(); return nil }); err != nil {
			s.handleDone(ResultFaulted, err)
			return
		}
	}

	if s.kind != loopOnce && s.canRun() {
		if err := s.runNext(); err != nil {
			s.handleDone(ResultFaulted, err)
		}
		return
	}
	s.finish(ResultFinished)
}

func (s *Submachine) finish(result Result) {
	s.handleDone(result, nil)
}

func (s *Submachine) handleDone(result Result, err error) {
	s.subs.Close()
	s.StopTiming()

	s.mu.Lock()
	if s.result != ResultPending {
		s.mu.Unlock()
		return
	}
	s.result = result
	m := s.machine
	s.mu.Unlock()

	switch result {
	case ResultFinished:
		s.RaiseFinished()
	case ResultExpired:
		s.RaiseExpired()
	default:
		s.RaiseFaulted(err)
	}
	s.raiseDone(m)
}

func (s *Submachine) handleTimeout() {
	if m := s.Submachine(); m != nil {
		m.Quit("host " + s.Name() + " expired")
	}
	s.handleDone(ResultExpired, nil)
}

func (s *Submachine) raiseDone(m Machine) {
	s.events.Done.SafeEmit(s.Logger(), "submachine_done", m)
}

func (s *Submachine) handlePaused(m Machine) {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()

	s.StopTiming()
	s.events.Paused.SafeEmit(s.Logger(), "submachine_paused", m)
}

func (s *Submachine) handleResumed(m Machine) {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()

	s.StartTiming()
	s.events.Resumed.SafeEmit(s.Logger(), "submachine_resumed", m)
}
