package experiment

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Experiment runs a control alongside candidate trials and always resolves
// to the control's outcome (or a mismatch error when RaiseOnMismatch is set).
// An Experiment is safe for concurrent use; every Run builds its own state.
type Experiment[T any] struct {
	cfg     Config[T]
	control *Trial[T]

	randMu sync.Mutex // guards cfg.Rand, which is not safe for concurrent use
}

// New validates cfg and creates an Experiment from a private copy of it
func New[T any](cfg Config[T]) (*Experiment[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	return &Experiment[T]{
		cfg:     cfg,
		control: NewTrial(ControlName, cfg.Control),
	}, nil
}

// Name returns the experiment name
func (e *Experiment[T]) Name() string {
	return e.cfg.Name
}

// Run executes the experiment once.
//
// When disabled only the control runs, directly, and its result is returned
// unchanged. When enabled the control and every trial run in shuffled order,
// trials are evaluated and the ResultSet is published before resolving.
// ctx is passed to the publisher; participants are never cancelled.
func (e *Experiment[T]) Run(ctx context.Context) (T, error) {
	if !e.cfg.Enabled() {
		return e.control.Execute()
	}

	rs := newResultSet(uuid.NewString(), e.cfg.Name, e.cfg.Context(), e.cfg.Trials)

	e.execute(e.schedule(rs))
	e.evaluate(rs)
	e.publish(ctx, rs)

	return e.resolve(rs)
}

// schedule builds one action per participant, each writing only its own slot
func (e *Experiment[T]) schedule(rs *ResultSet[T]) []func() {
	actions := make([]func(), 0, len(e.cfg.Trials)+1)

	actions = append(actions, func() {
		rs.Control = e.control.Run(e.cfg.Clean)
	})
	for i, t := range e.cfg.Trials {
		actions = append(actions, func() {
			rs.Trials[i].Observation = t.Run(e.cfg.Clean)
		})
	}

	e.shuffle(actions)
	return actions
}

func (e *Experiment[T]) shuffle(actions []func()) {
	swap := func(i, j int) { actions[i], actions[j] = actions[j], actions[i] }

	if e.cfg.Rand == nil {
		rand.Shuffle(len(actions), swap)
		return
	}

	e.randMu.Lock()
	e.cfg.Rand.Shuffle(len(actions), swap)
	e.randMu.Unlock()
}

// execute runs the scheduled actions and returns once all have finished
func (e *Experiment[T]) execute(actions []func()) {
	if !e.cfg.Concurrent {
		for _, action := range actions {
			action()
		}
		return
	}

	// Actions capture their own failures, so the group never sees an error
	var g errgroup.Group
	if e.cfg.MaxConcurrency > 0 {
		g.SetLimit(e.cfg.MaxConcurrency)
	}
	for _, action := range actions {
		g.Go(func() error {
			action()
			return nil
		})
	}
	_ = g.Wait()
}

// evaluate applies ignore predicates and the comparator to every trial
func (e *Experiment[T]) evaluate(rs *ResultSet[T]) {
	if rs.Control.Failed() {
		for i := range rs.Trials {
			rs.Trials[i].Skipped = true
		}
		return
	}

	control := rs.Control.compareValue()
	for i := range rs.Trials {
		tr := &rs.Trials[i]
		candidate := tr.compareValue()

		if e.ignored(control, candidate) {
			tr.Ignored = true
			continue
		}

		matched := e.cfg.Compare(control, candidate)
		tr.Matched = &matched
	}
}

func (e *Experiment[T]) ignored(control, candidate T) bool {
	for _, ignore := range e.cfg.Ignore {
		if ignore(control, candidate) {
			return true
		}
	}
	return false
}

// publish hands the ResultSet to the publisher. A publishing failure is
// reported but never alters the outcome of Run.
func (e *Experiment[T]) publish(ctx context.Context, rs *ResultSet[T]) {
	err := e.cfg.Publisher.Publish(ctx, rs)
	if err == nil {
		return
	}

	e.cfg.Logger.Warn("experiment publish failed",
		slog.String("experiment", rs.Name),
		slog.String("run_id", rs.ID),
		slog.Any("error", err),
	)
	if e.cfg.OnPublishError != nil {
		e.cfg.OnPublishError(err)
	}
}

func (e *Experiment[T]) resolve(rs *ResultSet[T]) (T, error) {
	if e.cfg.RaiseOnMismatch && !rs.Matched() {
		var zero T
		return zero, &MismatchError[T]{Result: rs}
	}

	if rs.Control.Failed() {
		// The control panicked: re-raise with the original value
		if pe, ok := rs.Control.Err.(*PanicError); ok {
			panic(pe.Value)
		}
		var zero T
		return zero, rs.Control.Err
	}

	return rs.Control.Value, nil
}
