package builder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/machines"
	"github.com/nomis52/goactivity/triggers"
)

type station struct {
	triggers.Properties

	name  string
	mu    sync.Mutex
	owner string
	tray  machines.Tray
}

func (s *station) Name() string { return s.name }

func (s *station) ObtainLock(_ context.Context, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != "" && s.owner != owner {
		return false, nil
	}
	s.owner = owner
	return true, nil
}

func (s *station) ReleaseLock(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == owner {
		s.owner = ""
	}
	return nil
}

func (s *station) State() machines.StationState { return machines.StationIdle }
func (s *station) Tray() machines.Tray            { return s.tray }
func (s *station) SetTray(t machines.Tray)        { s.tray = t }
func (s *station) IsTrayDetected() bool           { return s.tray != nil }
func (s *station) IsProcessing() bool             { return false }
func (s *station) HasErred() bool                 { return false }

func (s *station) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner != ""
}

type transport struct {
	station
}

func (t *transport) SetState(machines.StationState) {}
func (t *transport) HasTray() bool                  { return t.tray != nil }

func (t *transport) PrepareForPickupFrom(context.Context, machines.Station) (bool, error) {
	return true, nil
}

func (t *transport) PrepareForDropoffTo(context.Context, machines.Station) (bool, error) {
	return true, nil
}

func (t *transport) PickupTrayFrom(context.Context, machines.Station, int) (bool, error) {
	return true, nil
}

func (t *transport) DropoffTrayTo(context.Context, machines.Station, int) (bool, error) {
	return true, nil
}

func (t *transport) MoveToPosition(context.Context, float64) (bool, error) { return true, nil }

func TestRegistry_CreateUnknownSelector(t *testing.T) {
	reg := NewRegistry()

	m, err := reg.Create(machine.NewConfiguration("Missing", nil))

	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrUnknownSelector)
}

func TestRegistry_CreateSetsConfiguration(t *testing.T) {
	reg := NewRegistry()
	ran := make(chan struct{})
	reg.RegisterBuilder("Hello", machine.BuilderFunc(func(m *machine.Machine) error {
		return m.AddActivity(executable.Do("Greet", func() { close(ran) }))
	}))
	cfg := machine.NewConfiguration("Hello", map[string]any{KeyName: "Greeter"})

	created, err := reg.Create(cfg)
	require.NoError(t, err)

	m, ok := created.(*machine.Machine)
	require.True(t, ok)
	assert.Equal(t, "Greeter", m.Name())
	assert.Same(t, cfg, m.Configuration())
	assert.NotNil(t, m.Builder())

	m.Execute()
	require.True(t, m.Wait(2*time.Second))
	assert.Equal(t, machine.CauseFinished, m.Cause())
	<-ran
}

func TestRegistry_CreateFailures(t *testing.T) {
	errBoom := errors.New("boom")
	tests := []struct {
		name    string
		factory Factory
		wantErr error
	}{
		{
			name:    "factory error",
			factory: func(*machine.Configuration) (executable.Machine, error) { return nil, errBoom },
			wantErr: errBoom,
		},
		{
			name:    "factory panic",
			factory: func(*machine.Configuration) (executable.Machine, error) { panic(errBoom) },
			wantErr: errBoom,
		},
		{
			name:    "no machine",
			factory: func(*machine.Configuration) (executable.Machine, error) { return nil, nil },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			reg.Register("Broken", tt.factory)

			m, err := reg.Create(machine.NewConfiguration("Broken", nil))

			assert.Nil(t, m)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_Selectors(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterBuilder("TrayMoving", machine.BuilderFunc(func(*machine.Machine) error { return nil }))
	reg.RegisterBuilder("Command", machine.BuilderFunc(func(*machine.Machine) error { return nil }))

	assert.Equal(t, []string{"Command", "TrayMoving"}, reg.Selectors())
	assert.True(t, reg.Has("Command"))
	assert.False(t, reg.Has("Other"))
}

func TestErrorMachineName(t *testing.T) {
	reader := &station{name: "Reader"}
	tests := []struct {
		name   string
		report *ErrorReport
		want   string
	}{
		{name: "standard", report: &ErrorReport{Severity: SeverityStandard, Code: 7}, want: "StandardError-7"},
		{name: "severe at station", report: &ErrorReport{Severity: SeveritySevere, Code: 42, Station: reader}, want: "Reader:SevereError-42"},
		{name: "critical", report: &ErrorReport{Severity: SeverityCritical, Code: 1}, want: "CriticalError-1"},
		{name: "fatal", report: &ErrorReport{Severity: SeverityFatal, Code: 2}, want: "FatalError-2"},
		{name: "warning", report: &ErrorReport{Severity: SeverityWarning, Code: 3}, want: "Warning-3"},
		{name: "information", report: &ErrorReport{Severity: SeverityInformation, Code: 4}, want: "Information-4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorMachineName(tt.report))
		})
	}
}

func TestErrorHandling_NamesMachineAfterReport(t *testing.T) {
	reader := &station{name: "Reader"}
	reg := NewRegistry()
	reg.Register("StationErrorHandling", ErrorHandling(func(*machines.StationMachine) error { return nil }))
	cause := errors.New("lid open")
	cfg := machine.NewConfiguration("StationErrorHandling", map[string]any{
		KeyErrorReport: &ErrorReport{Severity: SeveritySevere, Code: 42, Station: reader, Cause: cause},
	})

	created, err := reg.Create(cfg)
	require.NoError(t, err)

	m, ok := created.(*machines.ErrorHandlingMachine)
	require.True(t, ok)
	assert.Equal(t, "Reader:SevereError-42", m.Name())
	assert.True(t, m.HasExecuteTriggers())

	st, ok := cfg.Get(machines.KeyStation)
	require.True(t, ok)
	assert.Same(t, reader, st)
}

func TestErrorHandling_MissingReport(t *testing.T) {
	reg := NewRegistry()
	reg.Register("SystemErrorHandling", ErrorHandling(func(*machines.StationMachine) error { return nil }))

	_, err := reg.Create(machine.NewConfiguration("SystemErrorHandling", nil))

	assert.ErrorIs(t, err, ErrMissingValue)
}

func TestTrayMoving_DecodesMove(t *testing.T) {
	reg := NewRegistry()
	reg.Register("TrayMoving", TrayMoving(nil))
	cfg := machine.NewConfiguration("TrayMoving", map[string]any{
		KeySourceStation:      &station{name: "Incubator"},
		KeyDestinationStation: &station{name: "Reader"},
		KeyTransport:          &transport{station: station{name: "Transport"}},
		"NumberOfRetries":     "3",
		"Timeout":             "5s",
	})

	created, err := reg.Create(cfg)
	require.NoError(t, err)

	m, ok := created.(*machines.TrayMover)
	require.True(t, ok)
	assert.Equal(t, "TrayMover(Incubator->Reader)", m.Name())
	assert.Equal(t, 3, m.NumberOfRetries())
	assert.Equal(t, 5*time.Second, m.Timeout())
}

func TestTrayMoving_MissingTransport(t *testing.T) {
	reg := NewRegistry()
	reg.Register("TrayMoving", TrayMoving(nil))
	cfg := machine.NewConfiguration("TrayMoving", map[string]any{
		KeySourceStation:      &station{name: "Incubator"},
		KeyDestinationStation: &station{name: "Reader"},
	})

	_, err := reg.Create(cfg)

	assert.ErrorIs(t, err, ErrMissingValue)
	assert.ErrorContains(t, err, KeyTransport)
}

func TestTransportOperation_PrefersSuppliedBuilder(t *testing.T) {
	reg := NewRegistry()
	var defaultUsed, suppliedUsed bool
	reg.Register("TransportOperation", TransportOperation(func(*machines.TransportOperationMachine) error {
		defaultUsed = true
		return nil
	}))
	supplied := machines.BuildFunc[*machines.TransportOperationMachine](func(*machines.TransportOperationMachine) error {
		suppliedUsed = true
		return nil
	})
	cfg := machine.NewConfiguration("TransportOperation", map[string]any{
		KeyTransportOperation: machines.BeginDropoff,
		KeyTransport:          &transport{station: station{name: "Transport"}},
		machines.KeyStation:   &station{name: "Reader"},
		KeyBuilder:            supplied,
	})

	created, err := reg.Create(cfg)
	require.NoError(t, err)

	m, ok := created.(*machines.TransportOperationMachine)
	require.True(t, ok)
	assert.Equal(t, "BeginTrayDropoff", m.Name())

	m.Execute()
	require.True(t, m.Wait(2*time.Second))
	assert.True(t, suppliedUsed)
	assert.False(t, defaultUsed)
}

func TestCommand_Names(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{name: "process name", data: map[string]any{KeyProcessName: "Stain"}, want: "Stain"},
		{name: "nested", data: map[string]any{KeyIsSubmachine: true, KeyName: "Rinse", KeyProcessName: "Stain"}, want: "Rinse"},
		{name: "selector", data: nil, want: "Command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			reg.Register("Command", Command(func(*machines.CommandMachine) error { return nil }))

			created, err := reg.Create(machine.NewConfiguration("Command", tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, created.Name())
		})
	}
}

func TestRegistry_DefaultTimeout(t *testing.T) {
	reg := NewRegistry(WithDefaultTimeout(time.Minute))
	reg.RegisterBuilder("Plain", machine.BuilderFunc(func(*machine.Machine) error { return nil }))
	reg.RegisterBuilder("Quick", machine.BuilderFunc(func(*machine.Machine) error { return nil }), machine.WithTimeout(time.Second))

	plain, err := reg.Create(machine.NewConfiguration("Plain", nil))
	require.NoError(t, err)
	quick, err := reg.Create(machine.NewConfiguration("Quick", nil))
	require.NoError(t, err)

	assert.Equal(t, time.Minute, plain.(*machine.Machine).Timeout())
	assert.Equal(t, time.Second, quick.(*machine.Machine).Timeout())
}
