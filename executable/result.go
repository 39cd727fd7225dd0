package executable

// ActOnResult runs an action and, when its result equals a filter value,
// a response.
type ActOnResult[T comparable] struct {
	Base

	action   func() (T, error)
	filter   T
	response func(T) error
}

// NewActOnResult returns an activity running response after action when the
// action result equals filter.
func NewActOnResult[T comparable](name string, action func() (T, error), filter T, response func(T) error, opts ...Option) *ActOnResult[T] {
	a := &ActOnResult[T]{
		action:   action,
		filter:   filter,
		response: response,
	}
	a.Init(a, name)
	a.Apply(opts...)
	return a
}

// Execute runs the action and the filtered response.
func (a *ActOnResult[T]) Execute() {
	a.RaiseStarted()
	a.StartTiming()

	err := Safely(func() error {
		result, err := a.action()
		if err != nil {
			return err
		}
		if result != a.filter || a.response == nil {
			return nil
		}
		return a.response(result)
	})
	a.StopTiming()

	if err != nil {
		a.RaiseFaulted(err)
		return
	}
	a.RaiseFinished()
}
