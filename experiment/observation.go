package experiment

import "time"

// Observation is the captured outcome of running one participant once.
// A participant either produced Value or failed with Err, never both.
type Observation[T any] struct {
	Name     string
	Value    T
	Cleaned  any // projection of Value produced by the configured cleaner
	Err      error
	Duration time.Duration
}

// Failed reports whether the participant returned an error or panicked
func (o Observation[T]) Failed() bool {
	return o.Err != nil
}

// Panicked reports whether the failure was a recovered panic
func (o Observation[T]) Panicked() bool {
	_, ok := o.Err.(*PanicError)
	return ok
}

// compareValue returns the value fed to compare/ignore hooks.
// Failed observations contribute the zero value of T.
func (o Observation[T]) compareValue() T {
	if o.Failed() {
		var zero T
		return zero
	}
	return o.Value
}
