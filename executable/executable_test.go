package executable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goactivity/event"
)

// recorder collects the lifecycle events of an executable in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	err    error
	done   chan struct{}
	once   sync.Once
}

func record(e Executable) *recorder {
	r := &recorder{done: make(chan struct{})}
	ev := e.Events()
	ev.Started.Subscribe(func(Executable) { r.add("started") })
	ev.Finished.Subscribe(func(Executable) { r.add("finished"); r.finish() })
	ev.Expired.Subscribe(func(Executable) { r.add("expired"); r.finish() })
	ev.Interrupted.Subscribe(func(Executable) { r.add("interrupted"); r.finish() })
	ev.Faulted.Subscribe(func(f Fault) {
		r.mu.Lock()
		r.err = f.Err
		r.mu.Unlock()
		r.add("faulted")
		r.finish()
	})
	return r
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) finish() {
	r.once.Do(func() { close(r.done) })
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("executable did not complete")
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestAction_Execute(t *testing.T) {
	tests := []struct {
		name    string
		fn      func() error
		want    []string
		wantErr string
	}{
		{
			name: "success",
			fn:   func() error { return nil },
			want: []string{"started", "finished"},
		},
		{
			name:    "error",
			fn:      func() error { return errors.New("bad") },
			want:    []string{"started", "faulted"},
			wantErr: "bad",
		},
		{
			name:    "panic",
			fn:      func() error { panic("boom") },
			want:    []string{"started", "faulted"},
			wantErr: "panic: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAction("action", tt.fn)
			r := record(a)

			a.Execute()

			assert.Equal(t, tt.want, r.got())
			if tt.wantErr != "" {
				require.Error(t, r.err)
				assert.Contains(t, r.err.Error(), tt.wantErr)
			}
		})
	}
}

func TestAction_EventSourceIsAction(t *testing.T) {
	a := Do("named", func() {})
	var source Executable
	a.Events().Finished.Subscribe(func(e Executable) { source = e })

	a.Execute()

	assert.Same(t, a, source)
	assert.Equal(t, "named", source.Name())
	assert.NotEqual(t, [16]byte{}, [16]byte(a.ID()))
}

func TestAction_ReceivesEntry(t *testing.T) {
	var got Entry
	a := NewEntryAction("entry", func(e Entry) error {
		got = e
		return nil
	})

	a.SetEntry(Entry{From: "Initial", Trigger: "tick"})
	a.Execute()

	assert.Equal(t, Entry{From: "Initial", Trigger: "tick"}, got)
}

func TestAction_HandlerPanicIsContained(t *testing.T) {
	a := Do("noisy", func() {})
	a.Events().Started.Subscribe(func(Executable) { panic("handler") })
	r := record(a)

	assert.NotPanics(t, a.Execute)
	assert.Contains(t, r.got(), "finished")
}

func TestBase_ExpirationTimer(t *testing.T) {
	a := NewAction("slow", func() error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}, WithTimeout(10*time.Millisecond))
	r := record(a)

	a.Execute()

	assert.True(t, a.TimeoutElapsed())
	assert.Equal(t, []string{"started", "expired", "finished"}, r.got())
}

func TestDelay_Execute(t *testing.T) {
	t.Run("elapses silently", func(t *testing.T) {
		d := NewDelay("delay", 5*time.Millisecond)
		r := record(d)
		d.Execute()
		assert.Equal(t, []string{"started", "finished"}, r.got())
	})

	t.Run("expires loudly", func(t *testing.T) {
		d := NewDelay("delay", 5*time.Millisecond, RaiseExpiredOnTimeout())
		r := record(d)
		d.Execute()
		assert.Equal(t, []string{"started", "expired"}, r.got())
	})

	t.Run("continue ends early", func(t *testing.T) {
		d := NewDelay("delay", time.Hour, RaiseExpiredOnTimeout())
		r := record(d)
		go func() {
			time.Sleep(5 * time.Millisecond)
			d.HandleQuitting(nil)
		}()
		d.Execute()
		assert.Equal(t, []string{"started", "finished"}, r.got())
	})

	t.Run("computed duration", func(t *testing.T) {
		calls := 0
		d := NewDelayFunc("delay", func() time.Duration {
			calls++
			return time.Millisecond
		})
		d.Execute()
		assert.Equal(t, 1, calls)
	})
}

func TestConcurrent_Execute(t *testing.T) {
	t.Run("finishes", func(t *testing.T) {
		c := NewConcurrent("bg", func(ctx context.Context) error { return nil })
		r := record(c)
		c.Execute()
		r.wait(t)
		assert.Equal(t, []string{"started", "finished"}, r.got())
	})

	t.Run("faults", func(t *testing.T) {
		c := NewConcurrent("bg", func(ctx context.Context) error { return errors.New("bad") })
		r := record(c)
		c.Execute()
		r.wait(t)
		assert.Equal(t, []string{"started", "faulted"}, r.got())
	})

	t.Run("expiration cancels", func(t *testing.T) {
		var cancelled atomic.Bool
		c := NewConcurrent("bg", func(ctx context.Context) error {
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		}, WithTimeout(10*time.Millisecond))
		r := record(c)

		c.Execute()
		r.wait(t)
		c.Wait()

		assert.True(t, cancelled.Load())
		assert.Equal(t, []string{"started", "expired"}, r.got())
	})

	t.Run("close cancels", func(t *testing.T) {
		c := NewConcurrent("bg", func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
		r := record(c)
		c.Execute()
		require.NoError(t, c.Close())
		r.wait(t)
		assert.Equal(t, []string{"started", "finished"}, r.got())
	})
}

// fakeTrigger trips only once armed is set.
type fakeTrigger struct {
	mu      sync.Mutex
	live    bool
	armed   bool
	tripped event.Source[struct{}]
}

func (f *fakeTrigger) Enable()  { f.mu.Lock(); f.live = true; f.mu.Unlock() }
func (f *fakeTrigger) Disable() { f.mu.Lock(); f.live = false; f.mu.Unlock() }
func (f *fakeTrigger) Trip() {
	f.mu.Lock()
	fire := f.live && f.armed
	f.mu.Unlock()
	if fire {
		f.tripped.Emit(struct{}{})
	}
}
func (f *fakeTrigger) OnTripped(fn func()) *event.Subscription {
	return f.tripped.Subscribe(func(struct{}) { fn() })
}

func TestWaitForCondition_Execute(t *testing.T) {
	t.Run("already satisfied", func(t *testing.T) {
		trig := &fakeTrigger{armed: true}
		w := NewWaitForCondition("wait", func() Trippable { return trig }, time.Second, nil)
		r := record(w)
		w.Execute()
		assert.Equal(t, []string{"started", "finished"}, r.got())
		assert.False(t, trig.live)
	})

	t.Run("satisfied later", func(t *testing.T) {
		trig := &fakeTrigger{}
		w := NewWaitForCondition("wait", func() Trippable { return trig }, time.Second, nil)
		r := record(w)
		go func() {
			time.Sleep(10 * time.Millisecond)
			trig.mu.Lock()
			trig.armed = true
			trig.mu.Unlock()
			trig.Trip()
		}()
		w.Execute()
		assert.Equal(t, []string{"started", "finished"}, r.got())
	})

	t.Run("times out", func(t *testing.T) {
		trig := &fakeTrigger{}
		expiredRan := false
		w := NewWaitForCondition("wait", func() Trippable { return trig }, 10*time.Millisecond, func() { expiredRan = true })
		r := record(w)
		w.Execute()
		assert.Equal(t, []string{"started", "expired"}, r.got())
		assert.True(t, expiredRan)
		assert.False(t, trig.live)
	})

	t.Run("no trigger", func(t *testing.T) {
		w := NewWaitForCondition("wait", func() Trippable { return nil }, time.Second, nil)
		r := record(w)
		w.Execute()
		assert.ErrorIs(t, r.err, ErrNoTrigger)
	})
}

func TestActOnResult_Execute(t *testing.T) {
	tests := []struct {
		name      string
		result    bool
		filter    bool
		wantCalls int
	}{
		{name: "matches filter", result: false, filter: false, wantCalls: 1},
		{name: "does not match", result: true, filter: false, wantCalls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			a := NewActOnResult("move", func() (bool, error) { return tt.result, nil }, tt.filter, func(bool) error {
				calls++
				return nil
			})
			r := record(a)

			a.Execute()

			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, []string{"started", "finished"}, r.got())
		})
	}
}

// fakeMachine completes with the outcome chosen by its test.
type fakeMachine struct {
	Base
	machineEvents MachineEvents
	outcome       func(*fakeMachine)
	quit          atomic.Bool
}

func newFakeMachine(name string, outcome func(*fakeMachine)) *fakeMachine {
	m := &fakeMachine{outcome: outcome}
	m.Init(m, name)
	return m
}

func (m *fakeMachine) MachineEvents() *MachineEvents { return &m.machineEvents }
func (m *fakeMachine) IsPaused() bool                { return false }
func (m *fakeMachine) IsQuitting() bool              { return m.quit.Load() }
func (m *fakeMachine) Pause()                        { m.machineEvents.Paused.Emit(m) }
func (m *fakeMachine) Resume()                       { m.machineEvents.Resumed.Emit(m) }
func (m *fakeMachine) Quit(string)                   { m.quit.Store(true) }
func (m *fakeMachine) EmergencyQuit(string)          { m.quit.Store(true) }
func (m *fakeMachine) SetSynchronous(bool)           {}
func (m *fakeMachine) Execute() {
	m.RaiseStarted()
	if m.outcome != nil {
		m.outcome(m)
	}
}

type quitter struct{ quitting atomic.Bool }

func (q *quitter) IsQuitting() bool { return q.quitting.Load() }

func TestSubmachine_DoIf(t *testing.T) {
	tests := []struct {
		name         string
		precondition bool
		outcome      func(*fakeMachine)
		want         []string
		wantResult   Result
		wantErr      error
	}{
		{
			name:         "precondition false finishes immediately",
			precondition: false,
			want:         []string{"started", "finished"},
			wantResult:   ResultFinished,
		},
		{
			name:         "nested finished",
			precondition: true,
			outcome:      func(m *fakeMachine) { m.RaiseFinished() },
			want:         []string{"started", "finished"},
			wantResult:   ResultFinished,
		},
		{
			name:         "nested expired",
			precondition: true,
			outcome:      func(m *fakeMachine) { m.RaiseExpired() },
			want:         []string{"started", "expired"},
			wantResult:   ResultExpired,
		},
		{
			name:         "nested interrupted faults",
			precondition: true,
			outcome:      func(m *fakeMachine) { m.RaiseInterrupted() },
			want:         []string{"started", "faulted"},
			wantResult:   ResultInterrupted,
			wantErr:      ErrInterrupted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewDoIf("doif", func() bool { return tt.precondition }, func(name string) (Machine, error) {
				return newFakeMachine(name, tt.outcome), nil
			})
			r := record(s)
			var created, done int
			s.SubmachineEvents().Created.Subscribe(func(Machine) { created++ })
			s.SubmachineEvents().Done.Subscribe(func(Machine) { done++ })

			s.Execute()

			assert.Equal(t, tt.want, r.got())
			assert.Equal(t, tt.wantResult, s.Result())
			assert.Equal(t, 1, done)
			if tt.precondition {
				assert.Equal(t, 1, created)
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, r.err, tt.wantErr)
			}
		})
	}
}

func TestSubmachine_FactoryError(t *testing.T) {
	s := NewDoIf("doif", nil, func(string) (Machine, error) { return nil, errors.New("no builder") })
	r := record(s)

	s.Execute()

	assert.Equal(t, []string{"started", "faulted"}, r.got())
	assert.Equal(t, ResultFaulted, s.Result())
}

func TestSubmachine_DoWhileNamesIterations(t *testing.T) {
	remaining := 3
	var names []string
	s := NewDoWhile("loop", func() bool { return remaining > 0 }, func(name string) (Machine, error) {
		names = append(names, name)
		remaining--
		return newFakeMachine(name, func(m *fakeMachine) { m.RaiseFinished() }), nil
	})
	r := record(s)

	s.Execute()

	assert.Equal(t, []string{"loop-Iteration0", "loop-Iteration1", "loop-Iteration2"}, names)
	assert.Equal(t, []string{"started", "finished"}, r.got())
	assert.Equal(t, 3, s.Iteration())
}

func TestSubmachine_DoWhileStopsWhenRootQuits(t *testing.T) {
	root := &quitter{}
	count := 0
	s := NewDoWhile("loop", func() bool { return true }, func(name string) (Machine, error) {
		count++
		if count == 2 {
			root.quitting.Store(true)
		}
		return newFakeMachine(name, func(m *fakeMachine) { m.RaiseFinished() }), nil
	}, WithRoot(root))

	s.Execute()

	assert.Equal(t, 2, count)
	assert.Equal(t, ResultFinished, s.Result())
}

func TestSubmachine_ForLoop(t *testing.T) {
	i := -1
	var seen []int
	s := NewForLoop("for",
		func() { i = 0 },
		func() bool { return i < 3 },
		func() { i++ },
		func(name string) (Machine, error) {
			seen = append(seen, i)
			return newFakeMachine(name, func(m *fakeMachine) { m.RaiseFinished() }), nil
		})

	s.Execute()

	assert.Equal(t, []int{0, 1, 2}, seen)
	assert.Equal(t, 3, i)
}

func TestSubmachine_PauseResumeForwarded(t *testing.T) {
	var nested *fakeMachine
	s := NewDoIf("doif", nil, func(name string) (Machine, error) {
		nested = newFakeMachine(name, nil)
		return nested, nil
	})
	var paused, resumed int
	s.SubmachineEvents().Paused.Subscribe(func(Machine) { paused++ })
	s.SubmachineEvents().Resumed.Subscribe(func(Machine) { resumed++ })

	s.Execute()
	nested.Pause()
	assert.True(t, s.IsPaused())
	nested.Resume()
	assert.False(t, s.IsPaused())

	assert.Equal(t, 1, paused)
	assert.Equal(t, 1, resumed)
	assert.Same(t, nested, s.Submachine())
}
