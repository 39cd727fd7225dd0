package executable

import (
	"context"
	"sync"
)

// Concurrent runs its function on a separate goroutine so the dispatcher is
// not blocked. Expiration cancels the context passed to the function.
type Concurrent struct {
	Base

	fn func(ctx context.Context) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConcurrent returns a concurrent activity running fn.
func NewConcurrent(name string, fn func(ctx context.Context) error, opts ...Option) *Concurrent {
	c := &Concurrent{fn: fn}
	c.Init(c, name)
	c.Apply(opts...)
	c.SetExpirationHandler(c.handleExpired)
	return c
}

// Execute starts the function and returns immediately.
func (c *Concurrent) Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.RaiseStarted()
	c.StartTiming()

	go func() {
		defer close(done)
		defer cancel()

		err := Safely(func() error {
			if c.fn == nil {
				return nil
			}
			return c.fn(ctx)
		})
		c.StopTiming()

		// Expired was already raised by the timer
		if c.TimeoutElapsed() {
			return
		}
		if err != nil {
			c.RaiseFaulted(err)
			return
		}
		c.RaiseFinished()
	}()
}

// Wait blocks until the running function returns.
func (c *Concurrent) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close cancels the running function.
func (c *Concurrent) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *Concurrent) handleExpired() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.RaiseExpired()
}
