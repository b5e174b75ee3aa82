package experiment

import (
	"fmt"
	"log/slog"
	"math/rand"
	"reflect"
)

// DefaultName is used when Config.Name is empty
const DefaultName = "unnamed-experiment"

// ControlName is the Observation name recorded for the control
const ControlName = "control"

// Config holds everything an Experiment needs. It is read once by New;
// later changes to the struct passed in do not affect the experiment.
type Config[T any] struct {
	// Name identifies the experiment in published results
	Name string

	// Control is the trusted implementation whose outcome Run returns
	Control Action[T]

	// Trials are the candidate implementations, compared against the control
	Trials []*Trial[T]

	// Enabled gates the experiment; when it returns false only the control runs.
	// Nil means always enabled.
	Enabled func() bool

	// Compare judges whether a trial value equals the control value.
	// Nil means reflect.DeepEqual.
	Compare func(control, candidate T) bool

	// Ignore predicates suppress comparison when any of them returns true
	Ignore []func(control, candidate T) bool

	// Context builds the metadata attached to each ResultSet
	Context func() map[string]any

	// Clean projects successful values into a comparison/display friendly form
	Clean func(T) any

	// Publisher receives each completed ResultSet. Nil discards results.
	Publisher Publisher[T]

	// RaiseOnMismatch makes Run return a *MismatchError when any trial mismatched
	RaiseOnMismatch bool

	// Concurrent runs all participants in parallel instead of one after another
	Concurrent bool

	// MaxConcurrency caps parallel participants in concurrent mode (0 = unlimited)
	MaxConcurrency int

	// Rand seeds the participant shuffle. Nil uses the runtime-seeded global source.
	Rand *rand.Rand

	// OnPublishError is called when the publisher fails. The failure never
	// changes what Run returns.
	OnPublishError func(error)

	// Logger for run diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultCompare is the comparator used when Config.Compare is nil
func DefaultCompare[T any](control, candidate T) bool {
	return reflect.DeepEqual(control, candidate)
}

func defaultContext() map[string]any {
	return make(map[string]any)
}

func alwaysEnabled() bool {
	return true
}

// withDefaults returns a copy of cfg with every nil hook filled in
func (cfg Config[T]) withDefaults() Config[T] {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Enabled == nil {
		cfg.Enabled = alwaysEnabled
	}
	if cfg.Compare == nil {
		cfg.Compare = DefaultCompare[T]
	}
	if cfg.Context == nil {
		cfg.Context = defaultContext
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher[T]{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrency < 0 {
		cfg.MaxConcurrency = 0
	}

	// Copy slices so callers cannot mutate a running experiment
	cfg.Trials = append([]*Trial[T](nil), cfg.Trials...)
	cfg.Ignore = append([]func(control, candidate T) bool(nil), cfg.Ignore...)
	return cfg
}

func (cfg Config[T]) validate() error {
	if cfg.Control == nil {
		return ErrNoControl
	}

	seen := map[string]bool{ControlName: true}
	for _, t := range cfg.Trials {
		if t == nil || t.Action == nil {
			return ErrNilTrialAction
		}
		if t.Name == "" {
			return ErrEmptyTrialName
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateTrial, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}
