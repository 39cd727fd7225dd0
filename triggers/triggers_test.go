package triggers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goactivity/event"
	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/uml"
)

type tray struct {
	Properties
}

type quitter struct {
	events executable.MachineEvents
}

func (q *quitter) MachineEvents() *executable.MachineEvents { return &q.events }

func countTrips(trig *uml.Trigger) *int {
	n := new(int)
	trig.OnTripped(func() { *n++ })
	return n
}

func TestPropertyChanged(t *testing.T) {
	tests := []struct {
		name     string
		property string
		changes  []string
		want     int
	}{
		{name: "matching property", property: "State", changes: []string{"State", "Position", "State"}, want: 2},
		{name: "other property", property: "State", changes: []string{"Position"}, want: 0},
		{name: "any property", property: "", changes: []string{"State", "Position"}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &tray{}
			trig := PropertyChanged("Tray Changed", src, tt.property, nil)
			trips := countTrips(trig)

			trig.Enable()
			src.Notify(tt.changes...)
			assert.Equal(t, tt.want, *trips)

			trig.Disable()
			assert.Equal(t, 0, src.PropertyChanged().Len())
		})
	}
}

func TestPropertyChanged_Copy(t *testing.T) {
	src := &tray{}
	trig := PropertyChanged("Tray Changed", src, "State", nil)
	trig.Enable()

	cp := trig.Copy()
	trips := countTrips(cp)
	src.Notify("State")

	assert.Equal(t, 1, *trips)
	assert.Equal(t, 2, src.PropertyChanged().Len())
}

func TestCollectionChanged(t *testing.T) {
	trays := &Collection[string]{}
	empty := CollectionChanged("Trays Empty", trays, 0, nil)
	changed := CollectionChanged("Trays Changed", trays, -1, nil)
	emptyTrips := countTrips(empty)
	anyTrips := countTrips(changed)
	empty.Enable()
	changed.Enable()

	trays.Add("tray-1", "tray-2")
	assert.Equal(t, 0, *emptyTrips)
	assert.Equal(t, 1, *anyTrips)

	removed := trays.RemoveFunc(func(s string) bool { return s == "tray-1" })
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"tray-2"}, trays.Items())

	assert.Equal(t, 0, trays.RemoveFunc(func(string) bool { return false }))
	assert.Equal(t, 2, *anyTrips)

	trays.RemoveFunc(func(string) bool { return true })
	assert.Equal(t, 0, trays.Len())
	assert.Equal(t, 1, *emptyTrips)
	assert.Equal(t, 3, *anyTrips)
}

func TestQuitHandling(t *testing.T) {
	m := &quitter{}
	trig := QuitHandling("Finishing", m, nil)
	trips := countTrips(trig)

	m.events.Quitting.Emit(nil)
	assert.Equal(t, 0, *trips)

	trig.Enable()
	m.events.Quitting.Emit(nil)
	assert.Equal(t, 1, *trips)
}

func TestExecutableFinished(t *testing.T) {
	action := executable.Do("Move", func() {})
	trig := ExecutableFinished("Move Finished", action, uml.Empty())
	trips := countTrips(trig)
	trig.Enable()

	action.Execute()
	assert.Equal(t, 1, *trips)
}

func TestStateEntered(t *testing.T) {
	var entered event.Source[string]

	filtered := StateEntered("Parked", &entered, nil, "Park", "Home")
	all := StateEntered[string]("Any", &entered, nil)
	filteredTrips := countTrips(filtered)
	allTrips := countTrips(all)
	filtered.Enable()
	all.Enable()

	entered.Emit("Move")
	entered.Emit("Park")
	entered.Emit("Home")

	assert.Equal(t, 2, *filteredTrips)
	assert.Equal(t, 3, *allTrips)
}

func TestEventInvoked_Guard(t *testing.T) {
	var src event.Source[int]
	allow := false
	trig := EventInvoked("Tick", &src, uml.NewCondition("allow", func() bool { return allow }, uml.SuppressLogging()))
	trips := countTrips(trig)
	trig.Enable()

	src.Emit(1)
	allow = true
	src.Emit(2)

	assert.Equal(t, 1, *trips)
}

func TestSchedule_InvalidSpec(t *testing.T) {
	trig, err := Schedule("Nightly", "not a cron spec", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCronSpec)
	assert.Nil(t, trig)
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{spec: "0 2 * * *"},
		{spec: "*/5 * * * *"},
		{spec: "@hourly"},
		{spec: "@every 1s"},
		{spec: "0 2 * *", wantErr: true},
		{spec: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			schedule, err := ParseSchedule(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, schedule.Next(time.Now()).After(time.Now()))
		})
	}
}

func TestSchedule_TripsWhileLive(t *testing.T) {
	trig, err := Schedule("Every Second", "@every 1s", nil)
	require.NoError(t, err)

	var trips atomic.Int32
	trig.OnTripped(func() { trips.Add(1) })
	trig.Enable()

	require.Eventually(t, func() bool { return trips.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	trig.Disable()
	n := trips.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, trips.Load())
}
