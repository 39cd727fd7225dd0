// Package locks provides the exclusive locks machines hold on the stations
// and transports they operate.
//
// A Locker grants ownership of named resources to owners, usually the id of
// the machine holding them. Memory keeps the table in process; Redis shares
// it between processes. Resource adapts a Locker to machine.Resource.
package locks

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotOwner is returned when a resource is released by an owner that does
// not hold it.
var ErrNotOwner = errors.New("lock is not held by owner")

// Locker grants exclusive ownership of named resources. Locking a resource
// already held by the same owner succeeds.
type Locker interface {
	TryLock(ctx context.Context, resource, owner string) (bool, error)
	Unlock(ctx context.Context, resource, owner string) error
	Owner(ctx context.Context, resource string) (string, error)
}

// Resource is a named machine.Resource whose lock is kept by a Locker.
type Resource struct {
	name     string
	locker   Locker
	onChange func()
}

// ResourceOption configures a Resource.
type ResourceOption func(*Resource)

// OnChange sets a function called after the resource is locked or released.
func OnChange(fn func()) ResourceOption {
	return func(r *Resource) {
		r.onChange = fn
	}
}

// NewResource returns the resource name locked through locker.
func NewResource(name string, locker Locker, opts ...ResourceOption) *Resource {
	r := &Resource{name: name, locker: locker}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the resource name.
func (r *Resource) Name() string {
	return r.name
}

// ObtainLock locks the resource for owner.
func (r *Resource) ObtainLock(ctx context.Context, owner string) (bool, error) {
	ok, err := r.locker.TryLock(ctx, r.name, owner)
	if err != nil {
		return false, fmt.Errorf("locking %s: %w", r.name, err)
	}
	if ok {
		r.changed()
	}
	return ok, nil
}

// ReleaseLock releases the lock held by owner. Releasing a resource that is
// not held by owner is not an error.
func (r *Resource) ReleaseLock(ctx context.Context, owner string) error {
	err := r.locker.Unlock(ctx, r.name, owner)
	if errors.Is(err, ErrNotOwner) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", r.name, err)
	}
	r.changed()
	return nil
}

// LockOwner returns the owner holding the resource, empty when it is free or
// the locker cannot be reached.
func (r *Resource) LockOwner() string {
	owner, err := r.locker.Owner(context.Background(), r.name)
	if err != nil {
		return ""
	}
	return owner
}

// IsLocked reports whether any owner holds the resource.
func (r *Resource) IsLocked() bool {
	return r.LockOwner() != ""
}

func (r *Resource) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}
