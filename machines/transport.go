package machines

import (
	"context"
	"fmt"
	"sync"

	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/triggers"
	"github.com/nomis52/goactivity/uml"
)

// Operation is one of the four steps of a tray move.
type Operation int

const (
	BeginPickup Operation = iota
	CompletePickup
	BeginDropoff
	CompleteDropoff
)

// String returns the string representation of the operation
func (o Operation) String() string {
	switch o {
	case BeginPickup:
		return "BeginPickup"
	case CompletePickup:
		return "CompletePickup"
	case BeginDropoff:
		return "BeginDropoff"
	case CompleteDropoff:
		return "CompleteDropoff"
	default:
		return "UnknownOperation"
	}
}

// MachineName is the name given to the machine running the operation.
func (o Operation) MachineName() string {
	switch o {
	case BeginPickup:
		return "BeginTrayPickup"
	case CompletePickup:
		return "CompleteTrayPickup"
	case BeginDropoff:
		return "BeginTrayDropoff"
	case CompleteDropoff:
		return "CompleteTrayDropoff"
	default:
		return o.String()
	}
}

// IsPickup reports whether the operation takes the tray from the source.
func (o Operation) IsPickup() bool {
	return o == BeginPickup || o == CompletePickup
}

// TransportError describes a tray move that could not be completed.
type TransportError struct {
	Operation   Operation
	Station     string
	Description string
	Cause       error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("tray move failed during %s", e.Operation)
	if e.Station != "" {
		msg += " at " + e.Station
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// TransportConfig holds the parts a transport operation works with.
type TransportConfig struct {
	Operation  Operation
	Transport  Transport
	Station    Station
	Instrument Instrument
	// MoveRetries is passed to the transport for pickups and dropoffs.
	MoveRetries int
	// LockResources makes the machine lock the transport and the station
	// while it runs.
	LockResources bool
}

// TransportOperationMachine runs one operation of a tray move. Moves get a
// context that Stop cancels when stopping is allowed; a cancelled move
// interrupts the machine instead of faulting it.
type TransportOperationMachine struct {
	*machine.Machine

	cfg    TransportConfig
	tray   Tray
	ctx    context.Context
	cancel context.CancelFunc

	stopMu  sync.Mutex
	canStop bool
	stopped bool
}

// NewTransportOperationMachine returns a machine for cfg.Operation. The
// machine halts on node faults unless opts say otherwise.
func NewTransportOperationMachine(name string, cfg TransportConfig, opts ...machine.Option) *TransportOperationMachine {
	if name == "" {
		name = cfg.Operation.MachineName()
	}
	opts = append([]machine.Option{machine.WithHaltOnFault(true)}, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t := &TransportOperationMachine{
		Machine: machine.New(name, opts...),
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.Station != nil {
		t.tray = cfg.Station.Tray()
	}
	if t.tray == nil && cfg.Transport != nil {
		t.tray = cfg.Transport.Tray()
	}
	if cfg.LockResources {
		for _, r := range []machine.Resource{cfg.Transport, cfg.Station} {
			if r != nil {
				_ = t.UseLockOnResource(r)
			}
		}
	}
	t.Events().Finished.Subscribe(t.release)
	t.Events().Expired.Subscribe(t.release)
	t.Events().Interrupted.Subscribe(t.release)
	t.Events().Faulted.Subscribe(func(executable.Fault) { t.cancel() })
	return t
}

func (t *TransportOperationMachine) release(executable.Executable) {
	t.cancel()
}

// SetBuildFunc makes build the assembly run by Execute.
func (t *TransportOperationMachine) SetBuildFunc(build BuildFunc[*TransportOperationMachine]) {
	t.SetBuilder(build.bind(t))
}

// Operation returns the operation run by the machine.
func (t *TransportOperationMachine) Operation() Operation {
	return t.cfg.Operation
}

// Transport returns the transport.
func (t *TransportOperationMachine) Transport() Transport {
	return t.cfg.Transport
}

// Station returns the station the tray is taken from or given to.
func (t *TransportOperationMachine) Station() Station {
	return t.cfg.Station
}

// Tray returns the tray being moved, nil if none was known when the
// machine was created.
func (t *TransportOperationMachine) Tray() Tray {
	return t.tray
}

// MoveContext is cancelled once the machine has been stopped.
func (t *TransportOperationMachine) MoveContext() context.Context {
	return t.ctx
}

// CanStop reports whether Stop has any effect.
func (t *TransportOperationMachine) CanStop() bool {
	t.stopMu.Lock()
	defer t.stopMu.Unlock()
	return t.canStop
}

// SetCanStop allows or forbids stopping.
func (t *TransportOperationMachine) SetCanStop(canStop bool) {
	t.stopMu.Lock()
	defer t.stopMu.Unlock()
	t.canStop = canStop
}

// IsStopped reports whether Stop took effect.
func (t *TransportOperationMachine) IsStopped() bool {
	t.stopMu.Lock()
	defer t.stopMu.Unlock()
	return t.stopped
}

// Stop cancels the future move steps of the machine when stopping is
// allowed. A move already in progress is not interrupted by the transport.
func (t *TransportOperationMachine) Stop() {
	t.stopMu.Lock()
	defer t.stopMu.Unlock()
	if !t.canStop {
		t.Logger().Debug("stop ignored, machine cannot be stopped")
		return
	}
	t.stopped = true
	t.cancel()
}

// cancelMove completes the machine as Faulted or, without a fault, as
// Interrupted.
func (t *TransportOperationMachine) cancelMove(description string, withFault bool) {
	cause := machine.CauseInterrupted
	var fault error
	if withFault {
		cause = machine.CauseFaulted
		fault = &TransportError{
			Operation:   t.cfg.Operation,
			Station:     stationName(t.cfg.Station),
			Description: description,
		}
	}
	t.Logger().Debug("cancelling transport operation", "cause", cause.String(), "activity", description)
	t.Cancel(cause, fault)
}

// moveActivity runs move and cancels the machine when move reports false.
// Unless alwaysFault is set, a refusal after Stop is not a fault.
func (t *TransportOperationMachine) moveActivity(name, description string, move func(ctx context.Context) (bool, error), alwaysFault bool) executable.Executable {
	return executable.NewActOnResult(name, func() (bool, error) {
		return move(t.ctx)
	}, false, func(bool) error {
		withFault := alwaysFault || t.ctx.Err() == nil
		t.cancelMove(description, withFault)
		return nil
	}, executable.WithLogger(t.Logger()))
}

func (t *TransportOperationMachine) watchers() []*uml.Trigger {
	logger := uml.WithTriggerLogger(t.Logger())
	var trigs []*uml.Trigger
	if t.cfg.Transport != nil {
		trigs = append(trigs, triggers.PropertyChanged("Transport Changed", t.cfg.Transport, "", nil, logger))
	}
	if t.cfg.Station != nil {
		trigs = append(trigs, triggers.PropertyChanged(t.cfg.Station.Name()+" Changed", t.cfg.Station, "", nil, logger))
	}
	if t.tray != nil {
		trigs = append(trigs, triggers.PropertyChanged(t.tray.Name()+" Changed", t.tray, "", nil, logger))
	}
	return trigs
}

// SetFinishOnStationState finishes the machine once the station reaches
// state.
func (t *TransportOperationMachine) SetFinishOnStationState(state StationState) {
	if t.cfg.Station == nil {
		return
	}
	t.UseAdditionalFinishCondition(uml.NewConstraint("StationState=="+state.String(), t.cfg.Station, stateIs(state)))
}

// SetQuitOnStationState interrupts the machine once the station reaches
// state.
func (t *TransportOperationMachine) SetQuitOnStationState(state StationState) {
	if t.cfg.Station == nil {
		return
	}
	t.UseAdditionalQuitCondition(uml.NewConstraint("StationState=="+state.String(), t.cfg.Station, stateIs(state)))
}

// SetQuitOnTransportHasErred interrupts the machine once the transport has
// an error.
func (t *TransportOperationMachine) SetQuitOnTransportHasErred() {
	t.UseAdditionalQuitCondition(uml.NewConstraint("Transport HasErred", t.cfg.Transport,
		func(tr Transport) bool { return tr.HasErred() }))
}

// SetFinishOnTrayState finishes the machine once the tray reaches state.
func (t *TransportOperationMachine) SetFinishOnTrayState(state TrayState) {
	if t.tray == nil {
		return
	}
	t.UseAdditionalFinishCondition(uml.NewConstraint("TrayState=="+state.String(), t.tray,
		func(tr Tray) bool { return tr.State() == state }))
}

// SetQuitOnTrayState interrupts the machine once the tray reaches state.
func (t *TransportOperationMachine) SetQuitOnTrayState(state TrayState) {
	if t.tray == nil {
		return
	}
	t.UseAdditionalQuitCondition(uml.NewConstraint("TrayState=="+state.String(), t.tray,
		func(tr Tray) bool { return tr.State() == state }))
}

// SetFinishOnTransportState finishes the machine once the transport reaches
// state.
func (t *TransportOperationMachine) SetFinishOnTransportState(state StationState) {
	t.UseAdditionalFinishCondition(uml.NewConstraint("TransportState=="+state.String(), t.cfg.Transport,
		func(tr Transport) bool { return tr.State() == state }))
}

// SetActivityTransportPerformPickup takes the tray from the station.
func (t *TransportOperationMachine) SetActivityTransportPerformPickup() error {
	return t.AddActivity(t.moveActivity("Transport.PickupTray", "PickupTray", func(ctx context.Context) (bool, error) {
		return t.cfg.Transport.PickupTrayFrom(ctx, t.cfg.Station, t.cfg.MoveRetries)
	}, true))
}

// SetActivityTransportPerformDropoff gives the tray to the station.
func (t *TransportOperationMachine) SetActivityTransportPerformDropoff() error {
	return t.AddActivity(t.moveActivity("Transport.DropoffTray", "DropoffTray", func(ctx context.Context) (bool, error) {
		return t.cfg.Transport.DropoffTrayTo(ctx, t.cfg.Station, t.cfg.MoveRetries)
	}, true))
}

// SetConditionalActivityTransportMoveToPickupHeight moves the transport in
// front of the station once condition holds. A move refused after Stop
// interrupts the machine.
func (t *TransportOperationMachine) SetConditionalActivityTransportMoveToPickupHeight(condition func(Transport) bool) error {
	move := t.moveActivity("Transport.PrepareForPickupFrom:"+stationName(t.cfg.Station), "MoveToPickupLocation",
		func(ctx context.Context) (bool, error) {
			return t.cfg.Transport.PrepareForPickupFrom(ctx, t.cfg.Station)
		}, false)
	return t.AddConditionalActivity(
		uml.NewConstraint("TransportAtPickupHeightCondition", t.cfg.Transport, condition),
		move, t.watchers()...)
}

// SetConditionalActivityTransportMoveToDropoffHeight moves the transport in
// front of the station once condition holds. A move refused after Stop
// interrupts the machine.
func (t *TransportOperationMachine) SetConditionalActivityTransportMoveToDropoffHeight(condition func(Transport) bool) error {
	move := t.moveActivity("Transport.PrepareForDropoffTo:"+stationName(t.cfg.Station), "MoveToDropoffLocation",
		func(ctx context.Context) (bool, error) {
			return t.cfg.Transport.PrepareForDropoffTo(ctx, t.cfg.Station)
		}, false)
	return t.AddConditionalActivity(
		uml.NewConstraint("TransportAtDropoffHeightCondition", t.cfg.Transport, condition),
		move, t.watchers()...)
}

// SetActivityTransportMoveToPosition moves the transport to height z.
func (t *TransportOperationMachine) SetActivityTransportMoveToPosition(z float64) error {
	return t.AddActivity(t.moveActivity(fmt.Sprintf("Transport.MoveToPosition:%g", z), "MoveToPosition",
		func(ctx context.Context) (bool, error) {
			return t.cfg.Transport.MoveToPosition(ctx, z)
		}, true))
}

// SetActivityTrayHandlerPrepareForHandoff prepares the station for the
// handoff. It adds nothing for stations without handoff support.
func (t *TransportOperationMachine) SetActivityTrayHandlerPrepareForHandoff() error {
	h, ok := t.cfg.Station.(HandoffStation)
	if !ok {
		return nil
	}
	return t.AddActivity(t.moveActivity(t.cfg.Station.Name()+".PrepareForHandoff", "PrepareForHandoff",
		func(context.Context) (bool, error) { return h.PrepareForHandoff() }, true))
}

// SetActivityTrayHandlerCompleteHandoff completes the handoff on the
// station. It adds nothing for stations without handoff support.
func (t *TransportOperationMachine) SetActivityTrayHandlerCompleteHandoff() error {
	h, ok := t.cfg.Station.(HandoffStation)
	if !ok {
		return nil
	}
	return t.AddActivity(t.moveActivity(t.cfg.Station.Name()+".CompleteHandoff", "CompleteHandoff",
		func(context.Context) (bool, error) { return h.CompleteHandoff() }, true))
}

// SetActivityTrayHandlerSafeToEnter faults the machine unless the station
// is safe to enter.
func (t *TransportOperationMachine) SetActivityTrayHandlerSafeToEnter() error {
	h, ok := t.cfg.Station.(HandoffStation)
	if !ok {
		return nil
	}
	return t.AddActivity(t.moveActivity(t.cfg.Station.Name()+".SafeToEnter", "SafeToEnter",
		func(context.Context) (bool, error) { return h.SafeToEnter(), nil }, true))
}

// SetActivityReleaseDockLock releases the station lock held by owner.
func (t *TransportOperationMachine) SetActivityReleaseDockLock(owner string) error {
	return t.AddActivity(executable.NewAction(stationName(t.cfg.Station)+".ReleaseLock", func() error {
		return t.cfg.Station.ReleaseLock(t.ctxWithoutCancel(), owner)
	}))
}

// SetActivityReassignTray moves the tray record from src to dst.
func (t *TransportOperationMachine) SetActivityReassignTray(src, dst Station) error {
	return t.AddActivity(executable.Do(fmt.Sprintf("%s.ReassignTray(%s->%s)", t.Name(), src.Name(), dst.Name()), func() {
		ReassignTray(src, dst)
	}))
}

// SetPauseUntilTransportState waits until the transport reaches state.
func (t *TransportOperationMachine) SetPauseUntilTransportState(state StationState) error {
	return t.SetPauseUntilConditionOfTransport(fmt.Sprintf("Wait for %s state", state),
		func(tr Transport) bool { return tr.State() == state })
}

// SetPauseUntilStationState waits until the station reaches state.
func (t *TransportOperationMachine) SetPauseUntilStationState(state StationState) error {
	return t.SetPauseUntilConditionOfStation(fmt.Sprintf("Wait for %s state", state), stateIs(state))
}

// SetPauseUntilConditionOfTransport waits until condition holds for the
// transport.
func (t *TransportOperationMachine) SetPauseUntilConditionOfTransport(name string, condition func(Transport) bool) error {
	return t.AddContinueCondition(uml.NewConstraint(name, t.cfg.Transport, condition), t.watchers()...)
}

// SetPauseUntilConditionOfStation waits until condition holds for the
// station.
func (t *TransportOperationMachine) SetPauseUntilConditionOfStation(name string, condition func(Station) bool) error {
	return t.AddContinueCondition(uml.NewConstraint(name, t.cfg.Station, condition), t.watchers()...)
}

// SetFinishOrContinueForMoveStopped finishes the machine if it has been
// stopped and continues otherwise.
func (t *TransportOperationMachine) SetFinishOrContinueForMoveStopped() error {
	return t.AddFinishOrContinueCondition(
		uml.NewConstraint("IsMachineStopped?", t, func(m *TransportOperationMachine) bool { return m.IsStopped() }),
		uml.NewConstraint("IsMachineNotStopped?", t, func(m *TransportOperationMachine) bool { return !m.IsStopped() }))
}

func (t *TransportOperationMachine) ctxWithoutCancel() context.Context {
	return context.WithoutCancel(t.ctx)
}

// ReassignTray moves the tray from src to dst. src is cleared first.
func ReassignTray(src, dst Station) {
	tray := src.Tray()
	src.SetTray(nil)
	dst.SetTray(tray)
}

func stationName(s Station) string {
	if s == nil {
		return ""
	}
	return s.Name()
}
