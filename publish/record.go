package publish

import (
	"time"

	"github.com/liamcoop/shadow/experiment"
)

// Observation is the storable form of one participant's outcome
type Observation struct {
	Name     string        `json:"name"`
	Value    any           `json:"value,omitempty"`
	Cleaned  any           `json:"cleaned,omitempty"`
	Error    string        `json:"error,omitempty"`
	Panicked bool          `json:"panicked,omitempty"`
	Duration time.Duration `json:"durationNs"`

	// Trial evaluation, unset for the control
	Matched *bool `json:"matched,omitempty"`
	Ignored bool  `json:"ignored,omitempty"`
	Skipped bool  `json:"skipped,omitempty"`
}

// Failed reports whether the participant raised
func (o Observation) Failed() bool {
	return o.Error != ""
}

// Record is a type-erased snapshot of a ResultSet, shared by every
// publisher and by the run store
type Record struct {
	ID         string         `json:"id"`
	Experiment string         `json:"experiment"`
	Context    map[string]any `json:"context"`
	Matched    bool           `json:"matched"`
	Mismatches int            `json:"mismatches"`
	StartedAt  time.Time      `json:"startedAt"`
	Control    *Observation   `json:"control,omitempty"`
	Trials     []Observation  `json:"trials,omitempty"`
}

// FromResultSet snapshots rs. Observations keep the raw value, plus the
// cleaned projection when the experiment has a cleaner.
func FromResultSet[T any](rs *experiment.ResultSet[T]) Record {
	control := observation(rs.Control)

	rec := Record{
		ID:         rs.ID,
		Experiment: rs.Name,
		Context:    rs.Context,
		Matched:    rs.Matched(),
		Mismatches: len(rs.Mismatches()),
		StartedAt:  rs.StartedAt,
		Control:    &control,
		Trials:     make([]Observation, len(rs.Trials)),
	}
	if rec.Context == nil {
		rec.Context = map[string]any{}
	}

	for i, tr := range rs.Trials {
		o := observation(tr.Observation)
		o.Matched = tr.Matched
		o.Ignored = tr.Ignored
		o.Skipped = tr.Skipped
		rec.Trials[i] = o
	}
	return rec
}

func observation[T any](o experiment.Observation[T]) Observation {
	out := Observation{
		Name:     o.Name,
		Duration: o.Duration,
	}

	switch {
	case o.Failed():
		out.Error = o.Err.Error()
		out.Panicked = o.Panicked()
	default:
		out.Value = o.Value
		out.Cleaned = o.Cleaned
	}
	return out
}

// MismatchedTrials returns the names of trials whose comparison failed
func (r Record) MismatchedTrials() []string {
	var names []string
	for _, t := range r.Trials {
		if t.Matched != nil && !*t.Matched {
			names = append(names, t.Name)
		}
	}
	return names
}

// Counts returns how many trials were ignored and how many failed
func (r Record) Counts() (ignored, failed int) {
	for _, t := range r.Trials {
		if t.Ignored {
			ignored++
		}
		if t.Failed() {
			failed++
		}
	}
	return ignored, failed
}
