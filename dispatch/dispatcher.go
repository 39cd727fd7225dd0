// Package dispatch provides the single-consumer execution queue that
// serializes the work of a machine tree onto one goroutine.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used to report panicking work items.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger.With("component", "dispatcher")
	}
}

type item struct {
	owner any
	fn    func()
}

// Dispatcher drains a FIFO of work items on a dedicated goroutine.
// Items are tagged with an owner so that one owner can withdraw its pending
// work without disturbing other owners sharing the same queue.
type Dispatcher struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []item
	busy   bool
	closed bool
	done   chan struct{}
}

// New starts a dispatcher goroutine named name.
func New(name string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		name:   name,
		logger: slog.Default().With("component", "dispatcher"),
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	// Apply options
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("dispatcher", name)

	go d.loop()
	return d
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string {
	return d.name
}

// Run queues fn on behalf of owner. It returns false if the dispatcher has
// been closed.
func (d *Dispatcher) Run(owner any, fn func()) bool {
	if fn == nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	d.queue = append(d.queue, item{owner: owner, fn: fn})
	d.cond.Broadcast()
	return true
}

// CancelRemaining drops every queued item of owner that has not started yet
// and returns how many were dropped. A nil owner drops everything.
func (d *Dispatcher) CancelRemaining(owner any) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.queue[:0]
	dropped := 0
	for _, it := range d.queue {
		if owner == nil || it.owner == owner {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	// Clear the tail so dropped closures can be collected
	for i := len(kept); i < len(d.queue); i++ {
		d.queue[i] = item{}
	}
	d.queue = kept

	if dropped > 0 {
		d.logger.Debug("cancelled queued work", "count", dropped)
		d.cond.Broadcast()
	}
	return dropped
}

// Pending returns the number of queued items that have not started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// WaitUntilDone blocks until the queue is empty and no item is running, or
// the dispatcher is closed. It must not be called from a work item.
func (d *Dispatcher) WaitUntilDone() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for !d.closed && (len(d.queue) > 0 || d.busy) {
		d.cond.Wait()
	}
}

// Close stops the dispatcher. Items not yet started are discarded; the item
// currently running is allowed to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.cond.Broadcast()
	d.mu.Unlock()
}

// IsClosed reports whether Close has been called.
func (d *Dispatcher) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Done is closed when the dispatcher goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for !d.closed && len(d.queue) == 0 {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue[0] = item{}
		d.queue = d.queue[1:]
		d.busy = true
		d.mu.Unlock()

		d.execute(next)

		d.mu.Lock()
		d.busy = false
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

func (d *Dispatcher) execute(it item) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("work item panicked", "error", fmt.Sprint(r))
		}
	}()
	it.fn()
}
