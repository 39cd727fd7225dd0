package machines

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nomis52/goactivity/dispatch"
	"github.com/nomis52/goactivity/event"
	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/machine"
)

const lockTimeout = 5 * time.Second

// ErrMissingOperation is raised when no builder is known for the next
// operation of a tray move.
var ErrMissingOperation = errors.New("no builder for transport operation")

// TrayMoverConfig describes a tray move from Source to Destination.
type TrayMoverConfig struct {
	Source      Station
	Destination Station
	Transport   Transport
	Instrument  Instrument
	// Builders assemble the machine of each operation.
	Builders map[Operation]BuildFunc[*TransportOperationMachine]
	// NumberOfRetries is how many failed operations are restarted before
	// the move fails.
	NumberOfRetries int
	// MoveRetries is passed to the transport for pickups and dropoffs.
	MoveRetries int
	// LockResources makes the mover hold the locks of the transport and both
	// stations for the whole move.
	LockResources bool
	// Timeout bounds the whole move. Zero disables it.
	Timeout time.Duration
}

// TrayMover moves a tray by chaining the four transport operation machines
// on a shared dispatcher. A failed operation is restarted while retries
// remain; a stopped mover never retries.
type TrayMover struct {
	executable.Base

	cfg        TrayMoverConfig
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher

	mu       sync.Mutex
	state    machine.ExecutableState
	cause    machine.CompletionCause
	fault    error
	current  Operation
	retries  int
	active   bool
	stopped  bool
	complete bool
	machines map[Operation]*TransportOperationMachine
	subs     map[Operation]*event.Group
	held     []machine.Resource

	instrumentSub *event.Subscription
	done          chan struct{}
	doneOnce      sync.Once

	machineEvents      executable.MachineEvents
	operationBeginning event.Source[Operation]
	transportErrors    event.Source[*TransportError]
}

// NewTrayMover returns a mover for cfg.
func NewTrayMover(cfg TrayMoverConfig, logger *slog.Logger) *TrayMover {
	if logger == nil {
		logger = slog.Default()
	}
	name := fmt.Sprintf("TrayMover(%s->%s)", stationName(cfg.Source), stationName(cfg.Destination))
	t := &TrayMover{
		cfg:      cfg,
		retries:  cfg.NumberOfRetries,
		machines: make(map[Operation]*TransportOperationMachine),
		subs:     make(map[Operation]*event.Group),
		done:     make(chan struct{}),
	}
	t.Init(t, name)
	t.logger = logger.With("component", "tray_mover", "machine", name)
	t.SetLogger(t.logger)
	t.SetTimeout(cfg.Timeout)
	t.dispatcher = dispatch.New(name, dispatch.WithLogger(logger))
	t.SetExpirationHandler(func() {
		t.logger.Debug("tray move expired")
		t.finish(machine.CauseExpired, nil, false)
	})
	return t
}

// MachineEvents returns the machine notifications. Tray moves never pause,
// so only Quitting is raised.
func (t *TrayMover) MachineEvents() *executable.MachineEvents {
	return &t.machineEvents
}

// OperationBeginning is raised as each operation machine is started.
func (t *TrayMover) OperationBeginning() *event.Source[Operation] {
	return &t.operationBeginning
}

// TransportErrors is raised when the move fails for good.
func (t *TrayMover) TransportErrors() *event.Source[*TransportError] {
	return &t.transportErrors
}

// State returns the lifecycle state.
func (t *TrayMover) State() machine.ExecutableState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cause returns the completion cause.
func (t *TrayMover) Cause() machine.CompletionCause {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// Fault returns the error the move failed with, if any.
func (t *TrayMover) Fault() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fault
}

// CurrentOperation returns the operation running or last run.
func (t *TrayMover) CurrentOperation() Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// NumberOfRetries returns the retries left.
func (t *TrayMover) NumberOfRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retries
}

// IsStopped reports whether SafeStop took effect.
func (t *TrayMover) IsStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// IsActive reports whether the move is in progress.
func (t *TrayMover) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// IsFinished reports whether the move completed successfully.
func (t *TrayMover) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == machine.Finished && t.cause == machine.CauseFinished
}

// IsQuitting reports whether the completion cause has been decided.
func (t *TrayMover) IsQuitting() bool {
	return t.Cause() != machine.CausePending
}

// Done is closed once the move is over.
func (t *TrayMover) Done() <-chan struct{} {
	return t.done
}

// WaitUntilFinished blocks until the move is over or ctx is done.
func (t *TrayMover) WaitUntilFinished(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute starts the move. A mover that is already active or stopped quits
// instead.
func (t *TrayMover) Execute() {
	t.mu.Lock()
	if t.active || t.stopped || t.complete {
		t.mu.Unlock()
		t.Quit("execute called on an active or stopped mover")
		return
	}
	t.active = true
	t.mu.Unlock()

	dst := t.cfg.Destination
	if s := dst.State(); s == StationDisabling || s == StationDisabled || dst.HasErred() {
		t.logger.Info("destination cannot take a tray", "destination", dst.Name(), "state", s.String())
		t.Quit("destination unavailable")
		return
	}

	if t.cfg.Instrument != nil {
		t.instrumentSub = t.cfg.Instrument.PropertyChanged().Subscribe(t.handleInstrumentChanged)
	}

	op := BeginPickup
	if t.cfg.Transport != nil && t.cfg.Source == Station(t.cfg.Transport) && t.cfg.Transport.HasTray() {
		op = BeginDropoff
	}
	first, err := t.initializeSubmachine(op)
	if err != nil {
		t.logger.Error("cannot start tray move", "operation", op.String(), "error", err)
		t.Quit(err.Error())
		return
	}

	if t.cfg.LockResources {
		if err := t.obtainLocks(); err != nil {
			t.logger.Info("resource locks unavailable, tray move not started", "error", err)
			t.Quit(err.Error())
			return
		}
	}

	t.mu.Lock()
	t.current = op
	t.state = machine.Running
	t.mu.Unlock()

	t.RaiseStarted()
	t.StartTiming()
	t.beginOperation(op, first)
}

func (t *TrayMover) beginOperation(op Operation, m *TransportOperationMachine) {
	t.logger.Debug("initiating operation", "operation", op.String())
	t.operationBeginning.SafeEmit(t.logger, "operation_beginning", op)
	m.Execute()
}

// Quit interrupts the move.
func (t *TrayMover) Quit(reason string) {
	t.logger.Debug("quit called", "reason", reason)
	t.finish(machine.CauseInterrupted, nil, false)
}

// EmergencyQuit interrupts the move and emergency quits the running
// operation.
func (t *TrayMover) EmergencyQuit(reason string) {
	t.logger.Debug("emergency quit called", "reason", reason)
	t.finish(machine.CauseInterrupted, nil, true)
}

// Pause is not supported by tray moves.
func (t *TrayMover) Pause() {
	t.logger.Warn("tray moves cannot be paused")
}

// Resume is not supported by tray moves.
func (t *TrayMover) Resume() {
	t.logger.Warn("tray moves cannot be resumed")
}

// SetSynchronous is a no-op: tray moves always run asynchronously.
func (t *TrayMover) SetSynchronous(bool) {}

// IsPaused is always false.
func (t *TrayMover) IsPaused() bool { return false }

// SafeStop stops the move at the next safe point. During the pickup the
// dropoff is skipped; during the dropoff the stop is passed to the begin
// dropoff machine, which may refuse it.
func (t *TrayMover) SafeStop() {
	t.mu.Lock()
	if t.complete || t.stopped {
		t.mu.Unlock()
		return
	}
	var beginDropoff *TransportOperationMachine
	if t.current.IsPickup() {
		t.stopped = true
	} else {
		beginDropoff = t.machines[BeginDropoff]
	}
	t.mu.Unlock()

	if beginDropoff != nil {
		beginDropoff.Stop()
		t.mu.Lock()
		t.stopped = beginDropoff.IsStopped()
		t.mu.Unlock()
	}
	t.logger.Debug("safe stop requested", "stopped", t.IsStopped())
}

func (t *TrayMover) initializeSubmachine(op Operation) (*TransportOperationMachine, error) {
	build, ok := t.cfg.Builders[op]
	if !ok || build == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingOperation, op)
	}

	station := t.cfg.Destination
	if op.IsPickup() {
		station = t.cfg.Source
	}
	cfg := machine.NewConfiguration("TransportOperation:"+op.String(), map[string]any{
		"operation": op.String(),
		"station":   stationName(station),
		"transport": stationName(t.cfg.Transport),
	})
	cfg.Dispatcher = t.dispatcher

	m := NewTransportOperationMachine(op.MachineName(), TransportConfig{
		Operation:   op,
		Transport:   t.cfg.Transport,
		Station:     station,
		Instrument:  t.cfg.Instrument,
		MoveRetries: t.cfg.MoveRetries,
	}, machine.WithLogger(t.logger), machine.WithConfiguration(cfg), machine.WithDispatcher(t.dispatcher))
	m.SetBuildFunc(build)

	events := m.Events()
	subs := &event.Group{}
	subs.Add(
		events.Finished.Subscribe(func(executable.Executable) { t.handleFinished(m) }),
		events.Expired.Subscribe(func(executable.Executable) { t.handleExpired(m) }),
		events.Interrupted.Subscribe(func(executable.Executable) { t.handleInterrupted(m) }),
		events.Faulted.Subscribe(func(f executable.Fault) { t.handleFaulted(m, f.Err) }),
	)

	t.mu.Lock()
	if op == BeginDropoff || op == CompleteDropoff {
		m.SetCanStop(true)
	}
	// a stopped dropoff is completed by backing out
	if op == CompleteDropoff && t.stopped {
		m.Stop()
	}
	t.machines[op] = m
	t.subs[op] = subs
	t.mu.Unlock()
	return m, nil
}

// nextOperation returns the operation following done, false when the move
// must not go on.
func (t *TrayMover) nextOperation(done *TransportOperationMachine) (Operation, bool) {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	aborted := done.Tray() != nil && done.Tray().IsAborted()

	switch done.Operation() {
	case BeginPickup:
		// an aborted tray has to be picked up anyway
		if stopped && !aborted {
			return 0, false
		}
		return CompletePickup, true
	case CompletePickup:
		if stopped {
			return 0, false
		}
		return BeginDropoff, true
	case BeginDropoff:
		if stopped && !aborted {
			return 0, false
		}
		return CompleteDropoff, true
	}
	return 0, false
}

func (t *TrayMover) isComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.complete
}

func (t *TrayMover) handleFinished(done *TransportOperationMachine) {
	if t.isComplete() {
		return
	}
	if done.Operation() == CompleteDropoff {
		t.finish(machine.CauseFinished, nil, false)
		return
	}

	op, ok := t.nextOperation(done)
	transport := t.cfg.Transport
	if !ok || transport.State() == StationStopped || transport.State() == StationDisabled || transport.HasErred() {
		t.finish(machine.CauseInterrupted, nil, false)
		return
	}

	next, err := t.initializeSubmachine(op)
	if err != nil {
		t.logger.Error("tray move failed", "operation", op.String(), "error", err)
		t.finish(machine.CauseInterrupted, nil, false)
		return
	}
	t.mu.Lock()
	t.current = op
	t.mu.Unlock()
	t.beginOperation(op, next)
}

func (t *TrayMover) handleExpired(m *TransportOperationMachine) {
	if t.isComplete() {
		return
	}
	switch {
	case t.IsStopped():
		t.finish(machine.CauseInterrupted, nil, false)
	case t.takeRetry():
		t.logger.Error("tray move failed due to expiration", "station", stationName(m.Station()),
			"tray_detected", trayDetected(m.Station()))
		t.retry(m)
	default:
		err := t.raiseTransportError(m, "expiration", nil)
		t.finish(machine.CauseExpired, err, false)
	}
}

func (t *TrayMover) handleInterrupted(m *TransportOperationMachine) {
	if t.isComplete() {
		return
	}
	stopped := t.IsStopped()
	if !stopped && t.takeRetry() {
		t.logger.Error("tray move failed due to internal interruption", "station", stationName(m.Station()),
			"tray_detected", trayDetected(m.Station()))
		t.retry(m)
		return
	}

	var err error
	// an external stop or quit is not a transport failure
	if !stopped {
		err = t.raiseTransportError(m, "interruption", nil)
	}
	t.finish(machine.CauseInterrupted, err, false)
}

func (t *TrayMover) handleFaulted(m *TransportOperationMachine, cause error) {
	if t.isComplete() {
		return
	}
	switch {
	case t.IsStopped():
		t.finish(machine.CauseInterrupted, nil, false)
	case t.takeRetry():
		t.logger.Error("tray move failed due to fault", "machine", m.Name(), "station", stationName(m.Station()),
			"error", cause)
		t.retry(m)
	default:
		err := t.raiseTransportError(m, "fault", cause)
		t.finish(machine.CauseFaulted, err, false)
	}
}

func (t *TrayMover) takeRetry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retries <= 0 {
		return false
	}
	t.retries--
	return true
}

// retry restarts the move at the operation of failed with fresh machines.
func (t *TrayMover) retry(failed *TransportOperationMachine) {
	op := failed.Operation()
	t.logger.Debug("retrying tray move", "operation", op.String(), "station", stationName(failed.Station()),
		"retries_left", t.NumberOfRetries())

	t.disposeSubmachines(false)
	m, err := t.initializeSubmachine(op)
	if err != nil {
		t.logger.Error("cannot retry tray move", "operation", op.String(), "error", err)
		t.finish(machine.CauseInterrupted, nil, false)
		return
	}
	m.Execute()
}

func (t *TrayMover) raiseTransportError(m *TransportOperationMachine, description string, cause error) *TransportError {
	err := &TransportError{
		Operation:   m.Operation(),
		Station:     stationName(m.Station()),
		Description: description,
		Cause:       cause,
	}
	// a transport already in error has reported its own failure
	if t.cfg.Transport != nil && t.cfg.Transport.HasErred() {
		return err
	}
	t.logger.Error("tray move failed", "error", err)
	t.transportErrors.SafeEmit(t.logger, "transport_error", err)
	return err
}

// finish completes the move once. The notification for cause is raised
// after the operation machines have been disposed and the locks released.
func (t *TrayMover) finish(cause machine.CompletionCause, fault error, immediately bool) {
	t.mu.Lock()
	if t.complete {
		t.mu.Unlock()
		return
	}
	wasActive := t.active
	t.complete = true
	t.active = false
	t.state = machine.Finished
	t.cause = cause
	if fault != nil {
		t.fault = fault
	}
	t.mu.Unlock()

	t.logger.Debug("completion cause set", "cause", cause.String())
	t.machineEvents.Quitting.SafeEmit(t.logger, "quitting", t)
	t.StopTiming()
	t.teardown(immediately)

	switch cause {
	case machine.CauseFinished:
		t.RaiseFinished()
	case machine.CauseExpired:
		t.RaiseExpired()
	case machine.CauseFaulted:
		if fault == nil {
			fault = machine.ErrFaulted
		}
		t.RaiseFaulted(fault)
	default:
		if wasActive {
			t.RaiseInterrupted()
		}
	}
	t.logger.Debug("tray move completed", "cause", cause.String())
	t.doneOnce.Do(func() { close(t.done) })

	d := t.dispatcher
	go func() {
		d.WaitUntilDone()
		d.Close()
	}()
}

func (t *TrayMover) teardown(immediately bool) {
	t.disposeSubmachines(immediately)
	if t.instrumentSub != nil {
		t.instrumentSub.Close()
	}

	// a stopped or interrupted move can leave the transport running
	if tr := t.cfg.Transport; tr != nil && tr.State() == StationRunning && !tr.HasErred() {
		tr.SetState(StationIdle)
	}
	t.releaseLocks()
}

func (t *TrayMover) disposeSubmachines(immediately bool) {
	t.mu.Lock()
	machines := t.machines
	subs := t.subs
	t.machines = make(map[Operation]*TransportOperationMachine)
	t.subs = make(map[Operation]*event.Group)
	t.mu.Unlock()

	for op, m := range machines {
		if g := subs[op]; g != nil {
			g.Close()
		}
		if immediately {
			m.EmergencyQuit("tray mover disposed")
		} else {
			m.Quit("tray mover disposed")
		}
	}
}

func (t *TrayMover) resources() []machine.Resource {
	var rs []machine.Resource
	if t.cfg.Transport != nil {
		rs = append(rs, t.cfg.Transport)
	}
	if t.cfg.Source != nil && t.cfg.Source != Station(t.cfg.Transport) {
		rs = append(rs, t.cfg.Source)
	}
	if t.cfg.Destination != nil {
		rs = append(rs, t.cfg.Destination)
	}
	return rs
}

func (t *TrayMover) obtainLocks() error {
	owner := t.ID().String()
	for _, r := range t.resources() {
		ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
		ok, err := r.ObtainLock(ctx, owner)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", r.Name(), err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", machine.ErrLockUnavailable, r.Name())
		}
		t.mu.Lock()
		t.held = append(t.held, r)
		t.mu.Unlock()
	}
	return nil
}

func (t *TrayMover) releaseLocks() {
	t.mu.Lock()
	held := t.held
	t.held = nil
	t.mu.Unlock()

	owner := t.ID().String()
	for _, r := range held {
		ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
		if err := r.ReleaseLock(ctx, owner); err != nil {
			t.logger.Warn("failed to release resource lock", "resource", r.Name(), "error", err)
		}
		cancel()
	}
}

func (t *TrayMover) handleInstrumentChanged(property string) {
	if property != PropertyState {
		return
	}
	if s := t.cfg.Instrument.State(); s == InstrumentStopping || s == InstrumentTerminating {
		t.Quit("instrument is " + s.String())
	}
}

func trayDetected(s Station) bool {
	return s != nil && s.IsTrayDetected()
}
