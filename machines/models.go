package machines

import (
	"context"

	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/triggers"
)

// Property names raised through PropertyChanged by the models below.
const (
	PropertyState    = "State"
	PropertyTray     = "Tray"
	PropertyIsLocked = "IsLocked"
	PropertyHasErred = "HasErred"
)

// StationState is the operating state of a station or transport.
type StationState int

const (
	StationUnknown StationState = iota
	StationInitializing
	StationIdle
	StationRunning
	StationDone
	StationHandoffPrepared
	StationStopping
	StationStopped
	StationDisabling
	StationDisabled
	StationMaintenance
	StationError
)

// String returns the string representation of the station state
func (s StationState) String() string {
	switch s {
	case StationInitializing:
		return "initializing"
	case StationIdle:
		return "idle"
	case StationRunning:
		return "running"
	case StationDone:
		return "done"
	case StationHandoffPrepared:
		return "handoff_prepared"
	case StationStopping:
		return "stopping"
	case StationStopped:
		return "stopped"
	case StationDisabling:
		return "disabling"
	case StationDisabled:
		return "disabled"
	case StationMaintenance:
		return "maintenance"
	case StationError:
		return "error"
	default:
		return "unknown"
	}
}

// TrayState is the processing state of a tray.
type TrayState int

const (
	TrayUnknown TrayState = iota
	TrayWaiting
	TrayProcessing
	TrayDone
	TrayAborted
	TrayLost
)

// String returns the string representation of the tray state
func (s TrayState) String() string {
	switch s {
	case TrayWaiting:
		return "waiting"
	case TrayProcessing:
		return "processing"
	case TrayDone:
		return "done"
	case TrayAborted:
		return "aborted"
	case TrayLost:
		return "lost"
	default:
		return "unknown"
	}
}

// InstrumentState is the state of the whole instrument.
type InstrumentState int

const (
	InstrumentUnknown InstrumentState = iota
	InstrumentInitializing
	InstrumentReady
	InstrumentRunning
	InstrumentTestFunction
	InstrumentStopping
	InstrumentTerminating
	InstrumentStopped
)

// String returns the string representation of the instrument state
func (s InstrumentState) String() string {
	switch s {
	case InstrumentInitializing:
		return "initializing"
	case InstrumentReady:
		return "ready"
	case InstrumentRunning:
		return "running"
	case InstrumentTestFunction:
		return "test_function"
	case InstrumentStopping:
		return "stopping"
	case InstrumentTerminating:
		return "terminating"
	case InstrumentStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Tray is a carrier moved between stations.
type Tray interface {
	triggers.PropertyNotifier
	Name() string
	State() TrayState
	IsAborted() bool
	Abort()
}

// Station is a lockable place that can hold a tray.
type Station interface {
	machine.Resource
	triggers.PropertyNotifier
	State() StationState
	Tray() Tray
	SetTray(t Tray)
	IsTrayDetected() bool
	IsProcessing() bool
	HasErred() bool
	IsLocked() bool
}

// Instrument is the device hosting the stations.
type Instrument interface {
	triggers.PropertyNotifier
	State() InstrumentState
	AbortFlowForTray(t Tray) error
}

// Transport moves trays between stations. A false result of a move means
// the move did not complete; a cancelled ctx stops future move steps.
type Transport interface {
	Station
	SetState(s StationState)
	HasTray() bool
	PrepareForPickupFrom(ctx context.Context, s Station) (bool, error)
	PrepareForDropoffTo(ctx context.Context, s Station) (bool, error)
	PickupTrayFrom(ctx context.Context, s Station, retries int) (bool, error)
	DropoffTrayTo(ctx context.Context, s Station, retries int) (bool, error)
	MoveToPosition(ctx context.Context, z float64) (bool, error)
}

// Disabler is implemented by stations that can be disabled.
type Disabler interface {
	Disable(allowReenable bool) error
}

// Stopper is implemented by stations that can be stopped.
type Stopper interface {
	Stop() error
}

// Reinitializer is implemented by stations that can be restarted after a
// stop.
type Reinitializer interface {
	Reinitialize(allowReenable bool) error
}

// PowerSwitch is implemented by stations with a power supply.
type PowerSwitch interface {
	PowerOff() error
}

// HandoffStation is implemented by stations taking part in tray handoffs.
type HandoffStation interface {
	PrepareForHandoff() (bool, error)
	CompleteHandoff() (bool, error)
	SafeToEnter() bool
}
