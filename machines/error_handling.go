package machines

import (
	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/triggers"
	"github.com/nomis52/goactivity/uml"
)

// ErrorHandlingMachine recovers a station from an error. It holds the
// station lock while running and asks to be executed once the station lock
// has been released and the station holds no tray.
type ErrorHandlingMachine struct {
	*StationMachine
}

// NewErrorHandlingMachine returns an error handling machine for station.
func NewErrorHandlingMachine(name string, station Station, instrument Instrument, opts ...machine.Option) (*ErrorHandlingMachine, error) {
	e := &ErrorHandlingMachine{StationMachine: NewStationMachine(name, station, instrument, opts...)}
	if err := e.UseLockOnResource(station); err != nil {
		return nil, err
	}

	free := uml.NewConstraint("Station Is Free", station, func(s Station) bool {
		return s.Tray() == nil && !s.IsLocked()
	}, uml.WithConstraintLogger(e.Logger()))
	e.UseExecuteTrigger(triggers.PropertyChanged("Station Lock Released", station, PropertyIsLocked, free,
		uml.WithTriggerLogger(e.Logger())))
	return e, nil
}
