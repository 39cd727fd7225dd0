package demo

import (
	"context"
	"fmt"
	"time"

	"github.com/nomis52/goactivity/builder"
	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/machines"
)

// Selectors registered by Register.
const (
	SelectorMoveTray  = "MoveTray"
	SelectorProcess   = "Process"
	SelectorCalibrate = "Calibrate"
	SelectorRecover   = "Recover"
)

// Configuration keys naming lab stations. Station names are resolved to the
// lab's stations before the machine is created, so they can be given as
// plain strings in the machine data.
const (
	KeyFrom        = "From"
	KeyTo          = "To"
	KeyStationName = "StationName"
)

const defaultProcessTime = time.Second

var defaultPositions = []float64{0, 25, 50}

// MoveBuilders returns the transport operation builders used for every
// tray move.
func MoveBuilders() map[machines.Operation]machines.BuildFunc[*machines.TransportOperationMachine] {
	always := func(machines.Transport) bool { return true }
	return map[machines.Operation]machines.BuildFunc[*machines.TransportOperationMachine]{
		machines.BeginPickup: func(m *machines.TransportOperationMachine) error {
			m.SetQuitOnTransportHasErred()
			return m.SetConditionalActivityTransportMoveToPickupHeight(always)
		},
		machines.CompletePickup: func(m *machines.TransportOperationMachine) error {
			return m.SetActivityTransportPerformPickup()
		},
		machines.BeginDropoff: func(m *machines.TransportOperationMachine) error {
			m.SetQuitOnTransportHasErred()
			return m.SetConditionalActivityTransportMoveToDropoffHeight(always)
		},
		machines.CompleteDropoff: func(m *machines.TransportOperationMachine) error {
			return m.SetActivityTransportPerformDropoff()
		},
	}
}

// Register adds the lab selectors to reg.
//
//	MoveTray   moves the tray on From to To.
//	Process    processes the tray on StationName for Duration.
//	Calibrate  moves the transport through Positions, pausing at Breakpoints.
//	Recover    stops and reinitializes StationName, clearing its error.
func Register(reg *builder.Registry, lab *Lab) {
	reg.Register(SelectorMoveTray, lab.withMove(builder.TrayMoving(MoveBuilders())))
	reg.Register(SelectorProcess, lab.withStation(false, builder.Station(process)))
	reg.Register(SelectorCalibrate, lab.withTransportLock(builder.Command(lab.calibrate)))
	reg.Register(SelectorRecover, lab.withStation(true, builder.ErrorHandling(recoverStation)))
}

type moveNames struct {
	From string `mapstructure:"From"`
	To   string `mapstructure:"To"`
}

func (l *Lab) withMove(next builder.Factory) builder.Factory {
	return func(cfg *machine.Configuration) (executable.Machine, error) {
		var names moveNames
		if err := cfg.Decode(&names); err != nil {
			return nil, err
		}
		if names.From == "" || names.To == "" {
			return nil, fmt.Errorf("%w: %s and %s", builder.ErrMissingValue, KeyFrom, KeyTo)
		}
		src, err := l.Station(names.From)
		if err != nil {
			return nil, err
		}
		dst, err := l.Station(names.To)
		if err != nil {
			return nil, err
		}

		cfg.Set(builder.KeySourceStation, src)
		cfg.Set(builder.KeyDestinationStation, dst)
		cfg.Set(builder.KeyTransport, l.Transport)
		cfg.Set(machines.KeyInstrument, l.Instrument)
		if _, ok := cfg.Get("LockResources"); !ok {
			cfg.Set("LockResources", true)
		}
		return next(cfg)
	}
}

// withStation resolves StationName. When reported is set the station is
// wrapped in an *ErrorReport carrying Code.
func (l *Lab) withStation(reported bool, next builder.Factory) builder.Factory {
	return func(cfg *machine.Configuration) (executable.Machine, error) {
		var p struct {
			StationName string `mapstructure:"StationName"`
			Code        int    `mapstructure:"Code"`
		}
		if err := cfg.Decode(&p); err != nil {
			return nil, err
		}
		if p.StationName == "" {
			return nil, fmt.Errorf("%w: %s", builder.ErrMissingValue, KeyStationName)
		}
		st, err := l.Station(p.StationName)
		if err != nil {
			return nil, err
		}

		cfg.Set(machines.KeyInstrument, l.Instrument)
		if reported {
			// Error handling machines lock the reported station themselves.
			cfg.Set(builder.KeyErrorReport, &builder.ErrorReport{
				Severity: builder.SeverityStandard,
				Code:     p.Code,
				Station:  st,
			})
			return next(cfg)
		}
		cfg.Set(machines.KeyStation, st)
		return lockOn(st)(next(cfg))
	}
}

func (l *Lab) withTransportLock(next builder.Factory) builder.Factory {
	return func(cfg *machine.Configuration) (executable.Machine, error) {
		cfg.Set(machines.KeyInstrument, l.Instrument)
		return lockOn(l.Transport)(next(cfg))
	}
}

type lockable interface {
	UseLockOnResource(r machine.Resource) error
}

// lockOn returns a function declaring r as held by a newly created machine.
func lockOn(r machine.Resource) func(executable.Machine, error) (executable.Machine, error) {
	return func(m executable.Machine, err error) (executable.Machine, error) {
		if err != nil {
			return nil, err
		}
		l, ok := m.(lockable)
		if !ok {
			return m, nil
		}
		if err := l.UseLockOnResource(r); err != nil {
			return nil, err
		}
		return m, nil
	}
}

type processor interface {
	SetProcessing(bool)
}

type trayStateSetter interface {
	SetState(machines.TrayState)
}

func process(m *machines.StationMachine) error {
	var p struct {
		Duration time.Duration `mapstructure:"Duration"`
	}
	if err := m.Configuration().Decode(&p); err != nil {
		return err
	}
	if p.Duration <= 0 {
		p.Duration = defaultProcessTime
	}

	st := m.Station()
	m.SetQuitOnConditionOfStation(func(s machines.Station) bool { return s.HasErred() })

	hold := executable.NewDelay(st.Name()+".Process", p.Duration)
	m.MachineEvents().Quitting.Subscribe(hold.HandleQuitting)

	steps := []executable.Executable{
		executable.NewAction(st.Name()+".StartProcessing", func() error {
			return setProcessing(st, true, machines.TrayProcessing)
		}),
		hold,
		executable.NewAction(st.Name()+".FinishProcessing", func() error {
			return setProcessing(st, false, machines.TrayDone)
		}),
	}
	for _, step := range steps {
		if err := m.AddActivity(step); err != nil {
			return err
		}
	}
	return nil
}

func setProcessing(st machines.Station, processing bool, state machines.TrayState) error {
	tray := st.Tray()
	if tray == nil {
		return fmt.Errorf("%w: %s", ErrNoTray, st.Name())
	}
	p, ok := st.(processor)
	if !ok {
		return fmt.Errorf("%w: %s cannot process", machines.ErrUnsupported, st.Name())
	}
	p.SetProcessing(processing)
	if t, ok := tray.(trayStateSetter); ok {
		t.SetState(state)
	}
	return nil
}

func (l *Lab) calibrate(m *machines.CommandMachine) error {
	var p struct {
		Positions   []float64 `mapstructure:"Positions"`
		Breakpoints []int     `mapstructure:"Breakpoints"`
	}
	if err := m.Configuration().Decode(&p); err != nil {
		return err
	}
	if len(p.Positions) == 0 {
		p.Positions = defaultPositions
	}

	// moves block the traversal; quitting cancels the one in flight
	ctx, cancel := context.WithCancel(context.Background())
	m.MachineEvents().Quitting.Subscribe(func(executable.Executable) { cancel() })

	for i, z := range p.Positions {
		line := i + 1
		if err := m.AddPausableNode("Position", line); err != nil {
			return err
		}
		move := executable.NewAction(fmt.Sprintf("MoveTo(%g)", z), func() error {
			ok, err := l.Transport.MoveToPosition(ctx, z)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("move to %g did not complete", z)
			}
			return nil
		})
		if err := m.AddActivity(move); err != nil {
			return err
		}
	}
	for _, line := range p.Breakpoints {
		m.PauseAtNode(line, true)
	}
	return nil
}

func recoverStation(m *machines.StationMachine) error {
	if err := m.SetActivityStop(); err != nil {
		return err
	}
	return m.SetActivityReinitializeOnStopped(true)
}
