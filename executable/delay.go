package executable

import "time"

// Delay waits for a duration or until Continue is called.
//
// By default reaching the end of the duration is a normal finish. With
// RaiseExpiredOnTimeout the delay raises Expired instead, which turns it into
// a bounded wait for an external Continue.
type Delay struct {
	Base

	duration     func() time.Duration
	expireLoudly bool
	continueCh   chan struct{}
}

// DelayOption configures a Delay.
type DelayOption func(*Delay)

// RaiseExpiredOnTimeout makes the delay raise Expired when the duration
// elapses without Continue.
func RaiseExpiredOnTimeout() DelayOption {
	return func(d *Delay) {
		d.expireLoudly = true
	}
}

// WithDelayOptions applies Base options to the delay.
func WithDelayOptions(opts ...Option) DelayOption {
	return func(d *Delay) {
		d.Apply(opts...)
	}
}

// NewDelay returns a delay of d. A negative duration waits until Continue.
func NewDelay(name string, d time.Duration, opts ...DelayOption) *Delay {
	return NewDelayFunc(name, func() time.Duration { return d }, opts...)
}

// NewDelayFunc returns a delay whose duration is computed when it executes.
func NewDelayFunc(name string, fn func() time.Duration, opts ...DelayOption) *Delay {
	d := &Delay{
		duration:   fn,
		continueCh: make(chan struct{}, 1),
	}
	d.Init(d, name)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Continue ends the wait early.
func (d *Delay) Continue() {
	select {
	case d.continueCh <- struct{}{}:
	default:
	}
}

// HandleQuitting ends the wait when the owning machine starts quitting.
// Its signature matches machine Quitting subscribers.
func (d *Delay) HandleQuitting(Executable) {
	d.Continue()
}

// Execute blocks until the delay elapses or Continue is called.
func (d *Delay) Execute() {
	d.RaiseStarted()

	var wait time.Duration
	err := Safely(func() error {
		wait = d.duration()
		return nil
	})
	if err != nil {
		d.RaiseFaulted(err)
		return
	}

	signaled := true
	if wait < 0 {
		<-d.continueCh
	} else {
		timer := time.NewTimer(wait)
		select {
		case <-d.continueCh:
		case <-timer.C:
			signaled = false
		}
		timer.Stop()
	}

	if signaled || !d.expireLoudly {
		d.RaiseFinished()
		return
	}
	d.Logger().Debug("delay expired", "executable", d.Name(), "duration", wait)
	d.RaiseExpired()
}
