package builder

import (
	"fmt"
	"slices"
	"time"

	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/machines"
)

// Configuration keys read by the tray moving and transport factories.
const (
	KeySourceStation      = "SourceStation"
	KeyDestinationStation = "DestinationStation"
	KeyTransport          = "Transport"
	KeyTransportOperation = "TransportOperation"
	KeyBuilder            = "Builder"
	KeyProcessName        = "ProcessName"
	KeyIsSubmachine       = "IsSubmachine"
)

// Station returns a factory of machines operating the configured station.
func Station(build machines.BuildFunc[*machines.StationMachine], opts ...machine.Option) Factory {
	return func(cfg *machine.Configuration) (executable.Machine, error) {
		station, err := lookupRequired[machines.Station](cfg, machines.KeyStation)
		if err != nil {
			return nil, err
		}
		instrument, _ := machine.Lookup[machines.Instrument](cfg, machines.KeyInstrument)

		name, _ := machine.Lookup[string](cfg, KeyName)
		m := machines.NewStationMachine(name, station, instrument, append(slices.Clone(opts), machine.WithConfiguration(cfg))...)
		m.SetBuildFunc(build)
		return m, nil
	}
}

// ErrorHandling returns a factory of machines recovering from the configured
// *ErrorReport. Reports naming a station get an error handling machine that
// waits for the station to be free; system reports get a plain station
// machine.
func ErrorHandling(build machines.BuildFunc[*machines.StationMachine], opts ...machine.Option) Factory {
	return func(cfg *machine.Configuration) (executable.Machine, error) {
		report, err := lookupRequired[*ErrorReport](cfg, KeyErrorReport)
		if err != nil {
			return nil, err
		}
		instrument, _ := machine.Lookup[machines.Instrument](cfg, machines.KeyInstrument)
		name := ErrorMachineName(report)
		opts := append(slices.Clone(opts), machine.WithConfiguration(cfg))

		if report.Station == nil {
			m := machines.NewStationMachine(name, nil, instrument, opts...)
			m.SetBuildFunc(build)
			return m, nil
		}

		cfg.Set(machines.KeyStation, report.Station)
		m, err := machines.NewErrorHandlingMachine(name, report.Station, instrument, opts...)
		if err != nil {
			return nil, err
		}
		m.SetBuildFunc(build)
		return m, nil
	}
}

type trayMove struct {
	Source          machines.Station    `mapstructure:"SourceStation"`
	Destination     machines.Station    `mapstructure:"DestinationStation"`
	Transport       machines.Transport  `mapstructure:"Transport"`
	Instrument      machines.Instrument `mapstructure:"Instrument"`
	NumberOfRetries int                 `mapstructure:"NumberOfRetries"`
	MoveRetries     int                 `mapstructure:"MoveRetries"`
	LockResources   bool                `mapstructure:"LockResources"`
	Timeout         time.Duration       `mapstructure:"Timeout"`
}

// TrayMoving returns a factory of tray movers. The move is decoded from the
// configuration; builders assemble each transport operation.
func TrayMoving(builders map[machines.Operation]machines.BuildFunc[*machines.TransportOperationMachine]) Factory {
	return func(cfg *machine.Configuration) (executable.Machine, error) {
		var move trayMove
		if err := cfg.Decode(&move); err != nil {
			return nil, err
		}
		switch {
		case move.Source == nil:
			return nil, missing(KeySourceStation)
		case move.Destination == nil:
			return nil, missing(KeyDestinationStation)
		case move.Transport == nil:
			return nil, missing(KeyTransport)
		}

		return machines.NewTrayMover(machines.TrayMoverConfig{
			Source:          move.Source,
			Destination:     move.Destination,
			Transport:       move.Transport,
			Instrument:      move.Instrument,
			Builders:        builders,
			NumberOfRetries: move.NumberOfRetries,
			MoveRetries:     move.MoveRetries,
			LockResources:   move.LockResources,
			Timeout:         move.Timeout,
		}, cfg.Logger), nil
	}
}

// TransportOperation returns a factory of single transport operation
// machines. A BuildFunc stored under KeyBuilder takes precedence over build.
func TransportOperation(build machines.BuildFunc[*machines.TransportOperationMachine]) Factory {
	return func(cfg *machine.Configuration) (executable.Machine, error) {
		op, err := lookupRequired[machines.Operation](cfg, KeyTransportOperation)
		if err != nil {
			return nil, err
		}
		transport, err := lookupRequired[machines.Transport](cfg, KeyTransport)
		if err != nil {
			return nil, err
		}
		station, _ := machine.Lookup[machines.Station](cfg, machines.KeyStation)
		instrument, _ := machine.Lookup[machines.Instrument](cfg, machines.KeyInstrument)

		opts := []machine.Option{machine.WithConfiguration(cfg)}
		if cfg.Dispatcher != nil {
			opts = append(opts, machine.WithDispatcher(cfg.Dispatcher))
		}
		m := machines.NewTransportOperationMachine("", machines.TransportConfig{
			Operation:  op,
			Transport:  transport,
			Station:    station,
			Instrument: instrument,
		}, opts...)

		b := build
		if supplied, ok := machine.Lookup[machines.BuildFunc[*machines.TransportOperationMachine]](cfg, KeyBuilder); ok && supplied != nil {
			b = supplied
		}
		m.SetBuildFunc(b)
		return m, nil
	}
}

// Command returns a factory of command machines. Top level machines are
// named by KeyProcessName, nested ones by KeyName.
func Command(build machines.BuildFunc[*machines.CommandMachine], opts ...machine.Option) Factory {
	return func(cfg *machine.Configuration) (executable.Machine, error) {
		key := KeyProcessName
		if nested, _ := machine.Lookup[bool](cfg, KeyIsSubmachine); nested {
			key = KeyName
		}
		name, ok := machine.Lookup[string](cfg, key)
		if !ok || name == "" {
			name = cfg.Selector
		}

		m := machines.NewCommandMachine(name, cfg, opts...)
		m.SetBuildFunc(build)
		return m, nil
	}
}

func missing(key string) error {
	return fmt.Errorf("%w: %s", ErrMissingValue, key)
}
