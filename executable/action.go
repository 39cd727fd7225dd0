package executable

import "sync"

// Action runs a function once per Execute.
type Action struct {
	Base

	fn func(Entry) error

	entryMu sync.Mutex
	entry   Entry
}

// NewAction returns an action running fn.
func NewAction(name string, fn func() error, opts ...Option) *Action {
	return NewEntryAction(name, func(Entry) error {
		if fn == nil {
			return nil
		}
		return fn()
	}, opts...)
}

// NewEntryAction returns an action whose function receives the entry of the
// node running it.
func NewEntryAction(name string, fn func(Entry) error, opts ...Option) *Action {
	a := &Action{fn: fn}
	a.Init(a, name)
	a.Apply(opts...)
	return a
}

// Do wraps a function without an error result as an action.
func Do(name string, fn func(), opts ...Option) *Action {
	return NewAction(name, func() error {
		if fn != nil {
			fn()
		}
		return nil
	}, opts...)
}

// SetEntry records how the owning node was entered.
func (a *Action) SetEntry(entry Entry) {
	a.entryMu.Lock()
	defer a.entryMu.Unlock()
	a.entry = entry
}

// Execute runs the function, raising Finished on success and Faulted when it
// returns an error or panics.
func (a *Action) Execute() {
	a.RaiseStarted()
	a.StartTiming()

	a.entryMu.Lock()
	entry := a.entry
	a.entryMu.Unlock()

	err := Safely(func() error {
		if a.fn == nil {
			return nil
		}
		return a.fn(entry)
	})
	a.StopTiming()

	if err != nil {
		a.RaiseFaulted(err)
		return
	}
	a.RaiseFinished()
}
