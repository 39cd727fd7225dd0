package machine

import "context"

// Builder populates an editable machine with its chain. Build runs once per
// machine from Execute; an error aborts assembly and faults the machine.
type Builder interface {
	Build(m *Machine) error
}

// BuilderFunc adapts a function to a Builder.
type BuilderFunc func(m *Machine) error

// Build calls f.
func (f BuilderFunc) Build(m *Machine) error {
	return f(m)
}

// Resource is something a machine must hold exclusively while it runs.
type Resource interface {
	Name() string
	ObtainLock(ctx context.Context, owner string) (bool, error)
	ReleaseLock(ctx context.Context, owner string) error
}
