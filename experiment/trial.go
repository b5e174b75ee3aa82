package experiment

import (
	"fmt"
	"runtime/debug"
	"time"
)

// Action is the unit of work a control or trial executes
type Action[T any] func() (T, error)

// Trial is a named participant of an experiment.
// The control is a Trial too; it is only special in how Run resolves.
type Trial[T any] struct {
	Name   string
	Action Action[T]
}

// NewTrial creates a named trial
func NewTrial[T any](name string, action Action[T]) *Trial[T] {
	return &Trial[T]{Name: name, Action: action}
}

// PanicError wraps a value recovered from a panicking participant
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Run executes the action exactly once and captures its outcome.
// Failures and panics are recorded in the Observation, never propagated.
func (t *Trial[T]) Run(clean func(T) any) Observation[T] {
	obs := Observation[T]{Name: t.Name}

	start := time.Now()
	value, err := t.call()
	obs.Duration = time.Since(start)

	if err != nil {
		obs.Err = err
		return obs
	}

	obs.Value = value
	if clean != nil {
		obs.Cleaned = clean(value)
	}
	return obs
}

// Execute runs the action directly without timing or capture.
// Errors are returned and panics propagate as if the caller invoked it.
func (t *Trial[T]) Execute() (T, error) {
	return t.Action()
}

func (t *Trial[T]) call() (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value = zero
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.Action()
}
