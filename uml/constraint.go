// Package uml holds the graph vocabulary of activity machines: constraints
// used as guards, triggers that request re-evaluation, transitions between
// nodes, and the node kinds that run behaviors.
package uml

import (
	"log/slog"
	"reflect"
)

// Constraint is a named boolean predicate. Combinators return new
// constraints and never modify their operands.
type Constraint interface {
	Name() string
	IsTrue() bool
	AndWith(other Constraint) Constraint
	OrWith(other Constraint) Constraint
	Copy() Constraint
}

// ConstraintOption configures a dynamic constraint.
type ConstraintOption func(*constraintOptions)

type constraintOptions struct {
	logger   *slog.Logger
	suppress bool
}

// SuppressLogging disables the log line written when the condition is
// satisfied.
func SuppressLogging() ConstraintOption {
	return func(o *constraintOptions) {
		o.suppress = true
	}
}

// WithConstraintLogger sets the logger of a constraint.
func WithConstraintLogger(logger *slog.Logger) ConstraintOption {
	return func(o *constraintOptions) {
		o.logger = logger
	}
}

// Dynamic evaluates a condition over a target.
type Dynamic[T any] struct {
	name      string
	target    T
	condition func(T) bool
	opts      constraintOptions
}

// NewConstraint returns a constraint evaluating condition against target.
func NewConstraint[T any](name string, target T, condition func(T) bool, opts ...ConstraintOption) *Dynamic[T] {
	c := &Dynamic[T]{
		name:      name,
		target:    target,
		condition: condition,
		opts:      constraintOptions{logger: slog.Default().With("component", "constraint")},
	}
	for _, opt := range opts {
		opt(&c.opts)
	}
	return c
}

// NewCondition returns a constraint over a closure with no target.
func NewCondition(name string, condition func() bool, opts ...ConstraintOption) *Dynamic[struct{}] {
	return NewConstraint(name, struct{}{}, func(struct{}) bool { return condition() }, opts...)
}

// Name returns the constraint name.
func (c *Dynamic[T]) Name() string {
	return c.name
}

// Target returns the evaluated target.
func (c *Dynamic[T]) Target() T {
	return c.target
}

// IsTrue evaluates the condition. A nil target or a nil condition is false.
func (c *Dynamic[T]) IsTrue() bool {
	if isNil(c.target) {
		c.opts.logger.Error("constraint cannot be evaluated on a nil target", "constraint", c.name)
		return false
	}
	if c.condition == nil {
		return false
	}

	result := c.condition(c.target)
	if result && !c.opts.suppress {
		c.opts.logger.Debug("condition was satisfied", "constraint", c.name)
	}
	return result
}

// AndWith returns a constraint true only when both are true.
func (c *Dynamic[T]) AndWith(other Constraint) Constraint {
	return and(c, other)
}

// OrWith returns a constraint true when either is true.
func (c *Dynamic[T]) OrWith(other Constraint) Constraint {
	return or(c, other)
}

// Copy returns an independent constraint with the same name, target and
// condition.
func (c *Dynamic[T]) Copy() Constraint {
	cp := *c
	return &cp
}

type operator int

const (
	opAnd operator = iota
	opOr
)

// composite joins two constraints.
type composite struct {
	op          operator
	left, right Constraint
}

func and(left, right Constraint) Constraint {
	if isNilConstraint(right) {
		return left
	}
	return &composite{op: opAnd, left: left, right: right}
}

func or(left, right Constraint) Constraint {
	if isNilConstraint(right) {
		return left
	}
	return &composite{op: opOr, left: left, right: right}
}

func (c *composite) Name() string {
	if c.op == opAnd {
		return c.left.Name() + " && " + c.right.Name()
	}
	return c.left.Name() + " || " + c.right.Name()
}

func (c *composite) IsTrue() bool {
	if c.op == opAnd {
		return c.left.IsTrue() && c.right.IsTrue()
	}
	return c.left.IsTrue() || c.right.IsTrue()
}

func (c *composite) AndWith(other Constraint) Constraint {
	return and(c, other)
}

func (c *composite) OrWith(other Constraint) Constraint {
	return or(c, other)
}

func (c *composite) Copy() Constraint {
	return &composite{op: c.op, left: c.left.Copy(), right: c.right.Copy()}
}

// constant is a fixed truth value.
type constant struct {
	name  string
	value bool
}

// Empty returns the constraint that is always true. Combining it with
// another constraint with AndWith yields that constraint.
func Empty() Constraint {
	return &constant{name: "Always True", value: true}
}

// Never returns the constraint that is always false.
func Never() Constraint {
	return &constant{name: "Never True", value: false}
}

func (c *constant) Name() string { return c.name }

func (c *constant) IsTrue() bool { return c.value }

func (c *constant) AndWith(other Constraint) Constraint {
	if isNilConstraint(other) {
		return c
	}
	if c.value {
		return other
	}
	return and(c, other)
}

func (c *constant) OrWith(other Constraint) Constraint {
	if isNilConstraint(other) || c.value {
		return c
	}
	return or(c, other)
}

func (c *constant) Copy() Constraint {
	cp := *c
	return &cp
}

// IsSatisfied reports whether c is nil or true.
func IsSatisfied(c Constraint) bool {
	return isNilConstraint(c) || c.IsTrue()
}

func isNilConstraint(c Constraint) bool {
	return c == nil || isNil(c)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
