package machines

import (
	"errors"
	"fmt"

	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/triggers"
	"github.com/nomis52/goactivity/uml"
)

// ErrUnsupported is returned when a station lacks the capability an
// activity needs.
var ErrUnsupported = errors.New("operation not supported by station")

// BuildFunc assembles a specialized machine of type M.
type BuildFunc[M any] func(m M) error

func (f BuildFunc[M]) bind(m M) machine.Builder {
	return machine.BuilderFunc(func(*machine.Machine) error {
		return f(m)
	})
}

// StationMachine drives a single station. It halts on the first node fault
// and runs asynchronously.
type StationMachine struct {
	*machine.Machine

	station    Station
	instrument Instrument
}

// NewStationMachine returns a machine operating station. An empty name
// defaults to the station name. instrument may be nil.
func NewStationMachine(name string, station Station, instrument Instrument, opts ...machine.Option) *StationMachine {
	if name == "" && station != nil {
		name = station.Name()
	}
	opts = append([]machine.Option{machine.WithHaltOnFault(true)}, opts...)
	return &StationMachine{
		Machine:    machine.New(name, opts...),
		station:    station,
		instrument: instrument,
	}
}

// SetBuildFunc makes build the assembly run by Execute.
func (s *StationMachine) SetBuildFunc(build BuildFunc[*StationMachine]) {
	s.SetBuilder(build.bind(s))
}

// Station returns the operated station.
func (s *StationMachine) Station() Station {
	return s.station
}

// Instrument returns the instrument, nil if none was given.
func (s *StationMachine) Instrument() Instrument {
	return s.instrument
}

// Tray returns the tray currently held by the station.
func (s *StationMachine) Tray() Tray {
	if s.station == nil {
		return nil
	}
	return s.station.Tray()
}

// watchers returns triggers re-evaluating a wait point whenever the
// station, its tray or the instrument changes.
func (s *StationMachine) watchers() []*uml.Trigger {
	logger := uml.WithTriggerLogger(s.Logger())
	trigs := []*uml.Trigger{triggers.PropertyChanged(s.station.Name()+" Changed", s.station, "", nil, logger)}
	if tray := s.Tray(); tray != nil {
		trigs = append(trigs, triggers.PropertyChanged(tray.Name()+" Changed", tray, "", nil, logger))
	}
	if s.instrument != nil {
		trigs = append(trigs, triggers.PropertyChanged("Instrument Changed", s.instrument, "", nil, logger))
	}
	return trigs
}

func (s *StationMachine) stationIs(name string, fn func(Station) bool) uml.Constraint {
	return uml.NewConstraint(name, s.station, fn, uml.WithConstraintLogger(s.Logger()))
}

func stateIs(state StationState) func(Station) bool {
	return func(st Station) bool { return st.State() == state }
}

// SetActivitySystemAbortTray aborts the tray held by the station and its
// flow on the instrument. It adds nothing when the station holds no tray.
func (s *StationMachine) SetActivitySystemAbortTray() error {
	tray := s.Tray()
	if tray == nil {
		return nil
	}
	name := s.station.Name()
	if err := s.AddActivity(executable.Do("Notify Tray Aborted "+name, tray.Abort)); err != nil {
		return err
	}
	if s.instrument == nil {
		return nil
	}
	return s.AddActivity(executable.NewAction(name+".AbortTrayByError", func() error {
		return s.instrument.AbortFlowForTray(tray)
	}))
}

// SetActivityDisableOnNotProcessing disables the station once it is idle
// and no tray is detected.
func (s *StationMachine) SetActivityDisableOnNotProcessing(allowReenable bool) error {
	name := s.station.Name()
	return s.AddConditionalActivity(
		s.stationIs(name+" Idle Without Tray", func(st Station) bool {
			return st.State() == StationIdle && !st.IsTrayDetected()
		}),
		executable.NewAction(name+".Disable", s.disable(allowReenable)),
		s.watchers()...)
}

// SetActivityDisableOnStatus disables the station once it reaches state.
func (s *StationMachine) SetActivityDisableOnStatus(state StationState, allowReenable bool) error {
	return s.SetActivityOnStationState(s.station.Name()+".Disable", state, func(Station) error {
		return s.disable(allowReenable)()
	})
}

// SetActivityDisable disables the station.
func (s *StationMachine) SetActivityDisable(allowReenable bool) error {
	return s.AddActivity(executable.NewAction(s.station.Name()+".Disable", s.disable(allowReenable)))
}

// SetActivityStop stops the station.
func (s *StationMachine) SetActivityStop() error {
	return s.AddActivity(executable.NewAction(s.station.Name()+".Stop", s.stop))
}

// SetActivityStopOnNotProcessing stops the station once it is no longer
// processing.
func (s *StationMachine) SetActivityStopOnNotProcessing() error {
	name := s.station.Name()
	return s.AddConditionalActivity(
		s.stationIs(name+" Not Processing", func(st Station) bool { return !st.IsProcessing() }),
		executable.NewAction(name+".Stop", s.stop),
		s.watchers()...)
}

// SetActivityReinitializeOnStopped reinitializes the station once it has
// stopped.
func (s *StationMachine) SetActivityReinitializeOnStopped(allowReenable bool) error {
	return s.SetActivityOnStationState(s.station.Name()+".Reinitialize", StationStopped, func(st Station) error {
		r, ok := st.(Reinitializer)
		if !ok {
			return fmt.Errorf("%w: %s cannot be reinitialized", ErrUnsupported, st.Name())
		}
		return r.Reinitialize(allowReenable)
	})
}

// SetActivityPowerOff turns the station off.
func (s *StationMachine) SetActivityPowerOff() error {
	return s.AddActivity(executable.NewAction(s.station.Name()+".TurnPowerOff", func() error {
		return powerOff(s.station)
	}))
}

// SetActivityPowerOffOnStatus turns the station off once it reaches state.
func (s *StationMachine) SetActivityPowerOffOnStatus(state StationState) error {
	return s.SetActivityOnStationState(s.station.Name()+".TurnPowerOff", state, powerOff)
}

// SetPauseUntilContinueOrFinish waits until the station reaches
// continueState, or finishes the machine if it reaches finishState first.
func (s *StationMachine) SetPauseUntilContinueOrFinish(continueState, finishState StationState) error {
	return s.AddFinishOrContinueCondition(
		s.stationIs("StationState=="+finishState.String(), stateIs(finishState)),
		s.stationIs("StationState=="+continueState.String(), stateIs(continueState)),
		s.watchers()...)
}

// SetActivityOnStationState runs action once the station reaches state.
func (s *StationMachine) SetActivityOnStationState(activityName string, state StationState, action func(Station) error) error {
	return s.AddConditionalActivity(
		s.stationIs("StationState=="+state.String(), stateIs(state)),
		executable.NewAction(activityName, func() error { return action(s.station) }),
		s.watchers()...)
}

// SetActivityOnTrayState runs action once the tray of the station reaches
// state. It adds nothing when the station holds no tray.
func (s *StationMachine) SetActivityOnTrayState(activityName string, state TrayState, action func(Station) error) error {
	if s.Tray() == nil {
		return nil
	}
	return s.AddConditionalActivity(
		s.stationIs("TrayState=="+state.String(), func(st Station) bool {
			t := st.Tray()
			return t != nil && t.State() == state
		}),
		executable.NewAction(activityName, func() error { return action(s.station) }),
		s.watchers()...)
}

// SetQuitOnTrayState finishes the machine as soon as the tray reaches state.
func (s *StationMachine) SetQuitOnTrayState(state TrayState) {
	tray := s.Tray()
	if tray == nil {
		return
	}
	s.UseAdditionalFinishCondition(uml.NewConstraint("TrayState=="+state.String(), tray,
		func(t Tray) bool { return t.State() == state }))
}

// SetQuitOnStationState finishes the machine as soon as the station reaches
// state.
func (s *StationMachine) SetQuitOnStationState(state StationState) {
	s.UseAdditionalFinishCondition(s.stationIs("StationState=="+state.String(), stateIs(state)))
}

// SetQuitOnInstrumentState finishes the machine as soon as the instrument
// reaches state.
func (s *StationMachine) SetQuitOnInstrumentState(state InstrumentState) {
	if s.instrument == nil {
		return
	}
	s.UseAdditionalFinishCondition(uml.NewConstraint("InstrumentState=="+state.String(), s.instrument,
		func(i Instrument) bool { return i.State() == state }))
}

// SetQuitOnConditionOfStation finishes the machine as soon as condition
// holds for the station.
func (s *StationMachine) SetQuitOnConditionOfStation(condition func(Station) bool) {
	s.UseAdditionalFinishCondition(s.stationIs("StationCondition", condition))
}

// SetPauseUntilConditionOfStation waits until condition holds for the
// station.
func (s *StationMachine) SetPauseUntilConditionOfStation(condition func(Station) bool) error {
	return s.AddContinueCondition(s.stationIs("StationCondition", condition), s.watchers()...)
}

// SetPauseUntilStationState waits until the station reaches state.
func (s *StationMachine) SetPauseUntilStationState(state StationState) error {
	return s.AddContinueCondition(s.stationIs("StationState=="+state.String(), stateIs(state)), s.watchers()...)
}

// SetPauseUntilInstrumentState waits until the instrument reaches state.
func (s *StationMachine) SetPauseUntilInstrumentState(state InstrumentState) error {
	if s.instrument == nil {
		return fmt.Errorf("%w: %s has no instrument", ErrUnsupported, s.Name())
	}
	return s.AddContinueCondition(uml.NewConstraint("InstrumentState=="+state.String(), s.instrument,
		func(i Instrument) bool { return i.State() == state }), s.watchers()...)
}

func (s *StationMachine) disable(allowReenable bool) func() error {
	return func() error {
		d, ok := s.station.(Disabler)
		if !ok {
			return fmt.Errorf("%w: %s cannot be disabled", ErrUnsupported, s.station.Name())
		}
		return d.Disable(allowReenable)
	}
}

func (s *StationMachine) stop() error {
	st, ok := s.station.(Stopper)
	if !ok {
		return fmt.Errorf("%w: %s cannot be stopped", ErrUnsupported, s.station.Name())
	}
	return st.Stop()
}

func powerOff(st Station) error {
	p, ok := st.(PowerSwitch)
	if !ok {
		return fmt.Errorf("%w: %s has no power switch", ErrUnsupported, st.Name())
	}
	return p.PowerOff()
}
