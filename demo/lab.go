// Package demo provides a simulated laboratory and the machines that operate
// it. Station locks are kept by a locks.Locker so several processes sharing a
// Redis locker contend for the same stations.
package demo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nomis52/goactivity/locks"
	"github.com/nomis52/goactivity/machines"
	"github.com/nomis52/goactivity/triggers"
)

var (
	// ErrUnknownStation is returned when a station name is not part of the lab.
	ErrUnknownStation = errors.New("unknown station")
	// ErrNoTray is returned when a tray is expected but the station is empty.
	ErrNoTray = errors.New("station holds no tray")
	// ErrOccupied is returned when a tray is placed on a station holding one.
	ErrOccupied = errors.New("station is occupied")
)

// TransportName is the name of the lab transport.
const TransportName = "Transport"

// DefaultStations are the stations of a lab created without WithStations.
var DefaultStations = []string{"Incubator", "Reader", "Washer"}

// Tray is a simulated tray.
type Tray struct {
	triggers.Properties

	name string

	mu      sync.Mutex
	state   machines.TrayState
	aborted bool
}

// NewTray returns a waiting tray.
func NewTray(name string) *Tray {
	return &Tray{name: name, state: machines.TrayWaiting}
}

func (t *Tray) Name() string { return t.name }

func (t *Tray) State() machines.TrayState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tray) SetState(s machines.TrayState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.Notify(machines.PropertyState)
}

func (t *Tray) IsAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// Abort marks the tray aborted.
func (t *Tray) Abort() {
	t.mu.Lock()
	t.aborted = true
	t.state = machines.TrayAborted
	t.mu.Unlock()
	t.Notify(machines.PropertyState)
}

// Station is a simulated station.
type Station struct {
	triggers.Properties
	*locks.Resource

	mu         sync.Mutex
	state      machines.StationState
	tray       machines.Tray
	processing bool
	erred      bool
	disabled   bool
}

func newStation(name string, locker locks.Locker) *Station {
	s := &Station{state: machines.StationIdle}
	s.Resource = locks.NewResource(name, locker, locks.OnChange(func() {
		s.Notify(machines.PropertyIsLocked)
	}))
	return s
}

func (s *Station) State() machines.StationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Station) SetState(state machines.StationState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.Notify(machines.PropertyState)
}

func (s *Station) Tray() machines.Tray {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tray
}

func (s *Station) SetTray(t machines.Tray) {
	s.mu.Lock()
	s.tray = t
	s.mu.Unlock()
	s.Notify(machines.PropertyTray)
}

func (s *Station) IsTrayDetected() bool {
	return s.Tray() != nil
}

func (s *Station) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// SetProcessing starts or finishes processing, moving the station between
// running and done.
func (s *Station) SetProcessing(processing bool) {
	s.mu.Lock()
	s.processing = processing
	if processing {
		s.state = machines.StationRunning
	} else {
		s.state = machines.StationDone
	}
	s.mu.Unlock()
	s.Notify(machines.PropertyState)
}

func (s *Station) HasErred() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.erred
}

// SetErred raises or clears the station error.
func (s *Station) SetErred(erred bool) {
	s.mu.Lock()
	s.erred = erred
	if erred {
		s.state = machines.StationError
		s.processing = false
	}
	s.mu.Unlock()
	s.Notify(machines.PropertyHasErred, machines.PropertyState)
}

// Stop stops the station.
func (s *Station) Stop() error {
	s.mu.Lock()
	s.processing = false
	s.state = machines.StationStopped
	s.mu.Unlock()
	s.Notify(machines.PropertyState)
	return nil
}

// Reinitialize brings a stopped station back to idle and clears its error.
// A disabled station is only reenabled when allowReenable is set.
func (s *Station) Reinitialize(allowReenable bool) error {
	s.mu.Lock()
	if s.disabled && !allowReenable {
		s.mu.Unlock()
		return fmt.Errorf("%s is disabled", s.Name())
	}
	s.disabled = false
	s.erred = false
	s.state = machines.StationIdle
	s.mu.Unlock()
	s.Notify(machines.PropertyHasErred, machines.PropertyState)
	return nil
}

// Disable takes the station out of service.
func (s *Station) Disable(allowReenable bool) error {
	s.mu.Lock()
	s.disabled = !allowReenable
	s.processing = false
	s.state = machines.StationDisabled
	s.mu.Unlock()
	s.Notify(machines.PropertyState)
	return nil
}

// Transport is a simulated transport. Every move takes the lab travel time
// and stops early when its context is cancelled.
type Transport struct {
	*Station

	travel time.Duration

	mu       sync.Mutex
	position float64
	moves    int
}

func (t *Transport) HasTray() bool { return t.Tray() != nil }

// Position returns the height the transport last moved to.
func (t *Transport) Position() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

// Moves returns the number of completed moves.
func (t *Transport) Moves() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moves
}

func (t *Transport) travelTo(ctx context.Context) bool {
	t.SetState(machines.StationRunning)
	defer t.SetState(machines.StationIdle)

	timer := time.NewTimer(t.travel)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	t.mu.Lock()
	t.moves++
	t.mu.Unlock()
	return true
}

func (t *Transport) PrepareForPickupFrom(ctx context.Context, s machines.Station) (bool, error) {
	if s.HasErred() {
		return false, fmt.Errorf("%s has erred", s.Name())
	}
	return t.travelTo(ctx), nil
}

func (t *Transport) PrepareForDropoffTo(ctx context.Context, s machines.Station) (bool, error) {
	if s.HasErred() {
		return false, fmt.Errorf("%s has erred", s.Name())
	}
	return t.travelTo(ctx), nil
}

func (t *Transport) PickupTrayFrom(ctx context.Context, s machines.Station, _ int) (bool, error) {
	if s.Tray() == nil {
		return false, fmt.Errorf("%w: %s", ErrNoTray, s.Name())
	}
	if !t.travelTo(ctx) {
		return false, nil
	}
	machines.ReassignTray(s, t)
	return true, nil
}

func (t *Transport) DropoffTrayTo(ctx context.Context, s machines.Station, _ int) (bool, error) {
	if s.Tray() != nil {
		return false, fmt.Errorf("%w: %s", ErrOccupied, s.Name())
	}
	if !t.travelTo(ctx) {
		return false, nil
	}
	machines.ReassignTray(t, s)
	return true, nil
}

func (t *Transport) MoveToPosition(ctx context.Context, z float64) (bool, error) {
	if !t.travelTo(ctx) {
		return false, nil
	}
	t.mu.Lock()
	t.position = z
	t.mu.Unlock()
	return true, nil
}

// Instrument is the simulated instrument hosting the stations.
type Instrument struct {
	triggers.Properties

	mu    sync.Mutex
	state machines.InstrumentState
}

func (i *Instrument) State() machines.InstrumentState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instrument) SetState(s machines.InstrumentState) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
	i.Notify(machines.PropertyState)
}

// AbortFlowForTray aborts t.
func (i *Instrument) AbortFlowForTray(t machines.Tray) error {
	if t == nil {
		return nil
	}
	t.Abort()
	return nil
}

type labOptions struct {
	stations []string
	travel   time.Duration
}

// Option configures a Lab.
type Option func(*labOptions)

// WithStations replaces the default station names.
func WithStations(names ...string) Option {
	return func(o *labOptions) {
		o.stations = names
	}
}

// WithTravelTime sets how long each transport move takes.
func WithTravelTime(d time.Duration) Option {
	return func(o *labOptions) {
		o.travel = d
	}
}

// Lab is a set of stations served by one transport.
type Lab struct {
	Instrument *Instrument
	Transport  *Transport

	names    []string
	stations map[string]*Station
}

// NewLab returns a running lab whose locks are kept by locker.
func NewLab(locker locks.Locker, opts ...Option) *Lab {
	o := labOptions{stations: DefaultStations, travel: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	l := &Lab{
		Instrument: &Instrument{state: machines.InstrumentRunning},
		Transport:  &Transport{Station: newStation(TransportName, locker), travel: o.travel},
		names:      slices.Clone(o.stations),
		stations:   make(map[string]*Station, len(o.stations)),
	}
	for _, name := range o.stations {
		l.stations[name] = newStation(name, locker)
	}
	return l
}

// Station returns the station called name.
func (l *Lab) Station(name string) (*Station, error) {
	s, ok := l.stations[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStation, name)
	}
	return s, nil
}

// Stations returns the stations in the order they were configured.
func (l *Lab) Stations() []*Station {
	result := make([]*Station, 0, len(l.names))
	for _, name := range l.names {
		result = append(result, l.stations[name])
	}
	return result
}

// Load places a new tray on the station called name.
func (l *Lab) Load(name, tray string) (*Tray, error) {
	s, err := l.Station(name)
	if err != nil {
		return nil, err
	}
	if s.Tray() != nil {
		return nil, fmt.Errorf("%w: %s", ErrOccupied, name)
	}
	t := NewTray(tray)
	s.SetTray(t)
	return t, nil
}
