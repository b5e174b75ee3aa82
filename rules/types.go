package rules

import "time"

// Kind says how a rule takes part in an experiment's evaluation
type Kind string

const (
	// KindIgnore rules suppress comparison when they evaluate to true
	KindIgnore Kind = "ignore"

	// KindCompare rules must all evaluate to true for a trial to match
	KindCompare Kind = "compare"
)

// Valid reports whether k is a known rule kind
func (k Kind) Valid() bool {
	return k == KindIgnore || k == KindCompare
}

// Rule is a CEL expression over the `control` and `candidate` values of an experiment
type Rule struct {
	ID         string
	Experiment string
	Name       string
	Kind       Kind
	Expression string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EvaluationResult contains the outcome of evaluating a rule
type EvaluationResult struct {
	RuleID   string
	RuleName string
	Kind     Kind
	Matched  bool
	Error    error
	Trace    any // CEL evaluation trace (optional)
}
