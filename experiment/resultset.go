package experiment

import "time"

// TrialResult pairs a trial Observation with its evaluation outcome.
//
// Ignored is set when an ignore predicate matched; Matched stays nil.
// Skipped is set when the control failed and there was nothing to compare against.
// Otherwise Matched holds the comparator's verdict.
type TrialResult[T any] struct {
	Observation[T]
	Matched *bool
	Ignored bool
	Skipped bool
}

// Mismatched reports whether the trial was compared and judged different
func (r TrialResult[T]) Mismatched() bool {
	return r.Matched != nil && !*r.Matched
}

// ResultSet is the record of one enabled experiment run.
// It is built fresh per Run and handed to the publisher once complete.
type ResultSet[T any] struct {
	ID                string
	Name              string
	Context           map[string]any
	ExperimentEnabled bool
	StartedAt         time.Time
	Control           Observation[T]
	Trials            []TrialResult[T]
}

func newResultSet[T any](id, name string, ctx map[string]any, trials []*Trial[T]) *ResultSet[T] {
	rs := &ResultSet[T]{
		ID:                id,
		Name:              name,
		Context:           ctx,
		ExperimentEnabled: true,
		StartedAt:         time.Now(),
		Trials:            make([]TrialResult[T], len(trials)),
	}
	for i, t := range trials {
		rs.Trials[i].Name = t.Name
	}
	return rs
}

// Matched reports whether no compared trial mismatched the control.
// Ignored and skipped trials do not count against it.
func (rs *ResultSet[T]) Matched() bool {
	for _, tr := range rs.Trials {
		if tr.Mismatched() {
			return false
		}
	}
	return true
}

// Mismatches returns the trials whose comparison failed
func (rs *ResultSet[T]) Mismatches() []TrialResult[T] {
	var out []TrialResult[T]
	for _, tr := range rs.Trials {
		if tr.Mismatched() {
			out = append(out, tr)
		}
	}
	return out
}

// Trial looks up a trial result by name
func (rs *ResultSet[T]) Trial(name string) (TrialResult[T], bool) {
	for _, tr := range rs.Trials {
		if tr.Name == name {
			return tr, true
		}
	}
	return TrialResult[T]{}, false
}
