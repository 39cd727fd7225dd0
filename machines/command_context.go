package machines

import (
	"slices"
	"sync"
)

// Configuration keys read by command machines.
const (
	KeyRootMachine        = "RootMachine"
	KeyDataContext        = "DataContext"
	KeyInitialBreakpoints = "InitialBreakpoints"
	KeyDevice             = "Device"
	KeyStation            = "Station"
	KeyModule             = "Module"
	KeyInstrument         = "Instrument"
	KeyTranslator         = "Translator"
)

// DataContext is the state shared by a command machine and the machines it
// nests: well known values, script variables and the error level.
type DataContext struct {
	mu         sync.RWMutex
	root       *CommandMachine
	errorLevel int
	values     map[string]any
	variables  map[string]any
}

// NewDataContext returns an empty context.
func NewDataContext() *DataContext {
	return &DataContext{
		values:    make(map[string]any),
		variables: make(map[string]any),
	}
}

// Root returns the outermost command machine sharing the context.
func (d *DataContext) Root() *CommandMachine {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.root
}

func (d *DataContext) setRoot(root *CommandMachine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.root == nil {
		d.root = root
	}
}

// ErrorLevel returns the error code set by the last failing command.
func (d *DataContext) ErrorLevel() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.errorLevel
}

// SetErrorLevel records an error code. A positive code faults the machine
// that completes next.
func (d *DataContext) SetErrorLevel(level int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errorLevel = level
}

// takeErrorLevel returns the error level and resets it, so enclosing
// machines do not report the same error.
func (d *DataContext) takeErrorLevel() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	level := d.errorLevel
	d.errorLevel = 0
	return level
}

// HasKey reports whether key was set.
func (d *DataContext) HasKey(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.values[key]
	return ok
}

// HasValue reports whether key was set to a non nil value.
func (d *DataContext) HasValue(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.values[key] != nil
}

// Value returns the value of key.
func (d *DataContext) Value(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.values[key]
	return v, ok
}

// SetValue sets key.
func (d *DataContext) SetValue(key string, v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[key] = v
}

// HasVariable reports whether the variable was declared.
func (d *DataContext) HasVariable(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.variables[name]
	return ok
}

// HasVariableValue reports whether the variable holds a non nil value.
func (d *DataContext) HasVariableValue(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.variables[name] != nil
}

// Variable returns the value of a variable.
func (d *DataContext) Variable(name string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.variables[name]
	return v, ok
}

// SetVariable declares or updates a variable.
func (d *DataContext) SetVariable(name string, v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.variables[name] = v
}

// Breakpoints is the set of line numbers at which command machines pause,
// shared with machines that have not been created yet.
type Breakpoints struct {
	mu    sync.Mutex
	lines []int
}

// NewBreakpoints returns a set holding lines.
func NewBreakpoints(lines ...int) *Breakpoints {
	b := &Breakpoints{}
	for _, l := range lines {
		b.Set(l, true)
	}
	return b
}

// Set adds or removes line.
func (b *Breakpoints) Set(line int, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.Index(b.lines, line)
	switch {
	case on && i < 0:
		b.lines = append(b.lines, line)
	case !on && i >= 0:
		b.lines = slices.Delete(b.lines, i, i+1)
	}
}

// Contains reports whether line is set.
func (b *Breakpoints) Contains(line int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Contains(b.lines, line)
}

// Lines returns the set lines in the order they were added.
func (b *Breakpoints) Lines() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.lines)
}
