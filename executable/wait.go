package executable

import (
	"errors"
	"time"

	"github.com/nomis52/goactivity/event"
)

// ErrNoTrigger is raised by WaitForCondition when it cannot obtain a trigger.
var ErrNoTrigger = errors.New("no trigger to wait on")

// Trippable is the part of a trigger a WaitForCondition needs.
type Trippable interface {
	Enable()
	Disable()
	Trip()
	OnTripped(fn func()) *event.Subscription
}

// WaitForCondition blocks until a trigger trips or a timeout elapses.
// The trigger is obtained when execution starts so it can observe state
// that only exists at that point.
type WaitForCondition struct {
	Base

	trigger func() Trippable
	expired func()
	wait    time.Duration
}

// NewWaitForCondition returns a wait on the trigger returned by trigger.
// A timeout of zero or less waits forever. expired, if set, runs when the
// timeout elapses before Expired is raised.
func NewWaitForCondition(name string, trigger func() Trippable, timeout time.Duration, expired func(), opts ...Option) *WaitForCondition {
	w := &WaitForCondition{
		trigger: trigger,
		expired: expired,
		wait:    timeout,
	}
	w.Init(w, name)
	w.Apply(opts...)
	return w
}

// Execute enables the trigger, trips it once to check the current state and
// waits.
func (w *WaitForCondition) Execute() {
	w.RaiseStarted()

	var t Trippable
	if w.trigger != nil {
		t = w.trigger()
	}
	if t == nil {
		w.RaiseFaulted(ErrNoTrigger)
		return
	}

	tripped := make(chan struct{}, 1)
	sub := t.OnTripped(func() {
		select {
		case tripped <- struct{}{}:
		default:
		}
	})
	defer sub.Close()

	t.Enable()
	t.Trip()

	var timeout <-chan time.Time
	if w.wait > 0 {
		timer := time.NewTimer(w.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-tripped:
		t.Disable()
		w.RaiseFinished()
	case <-timeout:
		t.Disable()
		w.Logger().Debug("wait for condition timed out", "executable", w.Name(), "timeout", w.wait)
		if w.expired != nil {
			if err := Safely(func() error { w.expired(); return nil }); err != nil {
				w.Logger().Error("expired action failed", "executable", w.Name(), "error", err)
			}
		}
		w.RaiseExpired()
	}
}
