package machines

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/triggers"
)

const (
	waitTimeout  = 2 * time.Second
	pollInterval = 5 * time.Millisecond
)

type fakeTray struct {
	triggers.Properties

	name    string
	mu      sync.Mutex
	state   TrayState
	aborted bool
}

func newTray(name string) *fakeTray {
	return &fakeTray{name: name, state: TrayWaiting}
}

func (t *fakeTray) Name() string { return t.name }

func (t *fakeTray) State() TrayState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTray) SetState(s TrayState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.Notify(PropertyState)
}

func (t *fakeTray) IsAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func (t *fakeTray) Abort() {
	t.mu.Lock()
	t.aborted = true
	t.state = TrayAborted
	t.mu.Unlock()
	t.Notify(PropertyState)
}

type fakeStation struct {
	triggers.Properties

	name string

	mu         sync.Mutex
	state      StationState
	tray       Tray
	processing bool
	erred      bool
	owner      string
	disabled   atomic.Int32
	stopped    atomic.Int32
}

func newStation(name string, state StationState) *fakeStation {
	return &fakeStation{name: name, state: state}
}

func (s *fakeStation) Name() string { return s.name }

func (s *fakeStation) ObtainLock(_ context.Context, owner string) (bool, error) {
	s.mu.Lock()
	if s.owner != "" && s.owner != owner {
		s.mu.Unlock()
		return false, nil
	}
	s.owner = owner
	s.mu.Unlock()
	s.Notify(PropertyIsLocked)
	return true, nil
}

func (s *fakeStation) ReleaseLock(_ context.Context, owner string) error {
	s.mu.Lock()
	if s.owner != owner {
		s.mu.Unlock()
		return nil
	}
	s.owner = ""
	s.mu.Unlock()
	s.Notify(PropertyIsLocked)
	return nil
}

func (s *fakeStation) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner != ""
}

func (s *fakeStation) LockOwner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

func (s *fakeStation) State() StationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeStation) SetState(state StationState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.Notify(PropertyState)
}

func (s *fakeStation) Tray() Tray {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tray
}

func (s *fakeStation) SetTray(t Tray) {
	s.mu.Lock()
	s.tray = t
	s.mu.Unlock()
	s.Notify(PropertyTray)
}

func (s *fakeStation) IsTrayDetected() bool {
	return s.Tray() != nil
}

func (s *fakeStation) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

func (s *fakeStation) HasErred() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.erred
}

func (s *fakeStation) SetErred(erred bool) {
	s.mu.Lock()
	s.erred = erred
	s.mu.Unlock()
	s.Notify(PropertyHasErred)
}

func (s *fakeStation) SetProcessing(p bool) {
	s.mu.Lock()
	s.processing = p
	s.mu.Unlock()
	s.Notify(PropertyState)
}

func (s *fakeStation) Disable(bool) error {
	s.disabled.Add(1)
	s.SetState(StationDisabled)
	return nil
}

func (s *fakeStation) Stop() error {
	s.stopped.Add(1)
	s.SetState(StationStopped)
	return nil
}

// fakeTransport moves trays instantly. A nil move function succeeds.
type fakeTransport struct {
	*fakeStation

	prepare func(ctx context.Context) (bool, error)
	pickup  func(ctx context.Context) (bool, error)
	dropoff func(ctx context.Context) (bool, error)
}

func newTransport() *fakeTransport {
	return &fakeTransport{fakeStation: newStation("Transport", StationIdle)}
}

func (t *fakeTransport) HasTray() bool { return t.Tray() != nil }

func move(ctx context.Context, fn func(ctx context.Context) (bool, error)) (bool, error) {
	if fn == nil {
		return true, nil
	}
	return fn(ctx)
}

func (t *fakeTransport) PrepareForPickupFrom(ctx context.Context, _ Station) (bool, error) {
	return move(ctx, t.prepare)
}

func (t *fakeTransport) PrepareForDropoffTo(ctx context.Context, _ Station) (bool, error) {
	return move(ctx, t.prepare)
}

func (t *fakeTransport) PickupTrayFrom(ctx context.Context, s Station, _ int) (bool, error) {
	ok, err := move(ctx, t.pickup)
	if ok && err == nil {
		ReassignTray(s, t)
	}
	return ok, err
}

func (t *fakeTransport) DropoffTrayTo(ctx context.Context, s Station, _ int) (bool, error) {
	ok, err := move(ctx, t.dropoff)
	if ok && err == nil {
		ReassignTray(t, s)
	}
	return ok, err
}

func (t *fakeTransport) MoveToPosition(ctx context.Context, _ float64) (bool, error) {
	return move(ctx, t.prepare)
}

type fakeInstrument struct {
	triggers.Properties

	mu      sync.Mutex
	state   InstrumentState
	aborted []string
}

func (i *fakeInstrument) State() InstrumentState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *fakeInstrument) SetState(s InstrumentState) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
	i.Notify(PropertyState)
}

func (i *fakeInstrument) AbortFlowForTray(t Tray) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.aborted = append(i.aborted, t.Name())
	return nil
}

// waitFor blocks until done is closed.
func waitFor(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		require.FailNow(t, "executable did not complete")
	}
}

func waitAtNode(t *testing.T, m *machine.Machine, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		n := m.CurrentNode()
		return n != nil && n.Name() == name
	}, waitTimeout, pollInterval)
}

// waitUntilWaiting blocks until m has left its initial node.
func waitUntilWaiting(t *testing.T, m *machine.Machine) {
	t.Helper()
	require.Eventually(t, func() bool {
		n := m.CurrentNode()
		return n != nil && n.Name() != "Initial"
	}, waitTimeout, pollInterval)
}

// outcome records the lifecycle notifications of an executable.
type outcome struct {
	mu     sync.Mutex
	events []string
	fault  error
}

func watch(e executable.Executable) *outcome {
	o := &outcome{}
	record := func(name string) func(executable.Executable) {
		return func(executable.Executable) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.events = append(o.events, name)
		}
	}
	events := e.Events()
	events.Started.Subscribe(record("started"))
	events.Finished.Subscribe(record("finished"))
	events.Expired.Subscribe(record("expired"))
	events.Interrupted.Subscribe(record("interrupted"))
	events.Faulted.Subscribe(func(f executable.Fault) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.events = append(o.events, "faulted")
		o.fault = f.Err
	})
	return o
}

func (o *outcome) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func (o *outcome) err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fault
}

func configFor(name string) machine.Option {
	return machine.WithConfiguration(machine.NewConfiguration(name, nil))
}
