package experiment

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoControl is returned by New when Config.Control is nil
	ErrNoControl = errors.New("experiment: control action is required")

	// ErrEmptyTrialName is returned by New for a trial without a name
	ErrEmptyTrialName = errors.New("experiment: trial name is required")

	// ErrNilTrialAction is returned by New for a trial without an action
	ErrNilTrialAction = errors.New("experiment: trial action is required")

	// ErrDuplicateTrial is returned by New when two participants share a name
	ErrDuplicateTrial = errors.New("experiment: duplicate participant name")

	// ErrMismatch is matched by errors.Is for every *MismatchError
	ErrMismatch = errors.New("experiment: trial result mismatch")
)

// MismatchError is returned by Run when RaiseOnMismatch is set and at
// least one compared trial disagreed with the control
type MismatchError[T any] struct {
	Result *ResultSet[T]
}

func (e *MismatchError[T]) Error() string {
	mismatches := e.Result.Mismatches()
	names := make([]string, 0, len(mismatches))
	for _, m := range mismatches {
		names = append(names, m.Name)
	}
	return fmt.Sprintf("experiment %q: %d of %d trials mismatched the control: %s",
		e.Result.Name, len(mismatches), len(e.Result.Trials), strings.Join(names, ", "))
}

func (e *MismatchError[T]) Is(target error) bool {
	return target == ErrMismatch
}
