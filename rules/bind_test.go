package rules

import (
	"context"
	"testing"

	"github.com/liamcoop/shadow/experiment"
)

type invoice struct {
	ID        string   `json:"id"`
	Total     float64  `json:"total"`
	Currency  string   `json:"currency"`
	Generated int64    `json:"generated"`
	Lines     []string `json:"lines"`
}

// TestNormalize verifies Go values become CEL-friendly trees
func TestNormalize(t *testing.T) {
	got, err := Normalize(invoice{ID: "i-1", Total: 9.5, Lines: []string{"a"}})
	if err != nil {
		t.Fatalf("Normalize() failed: %v", err)
	}

	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("Normalize() = %T, want map[string]any", got)
	}
	if m["id"] != "i-1" || m["total"] != 9.5 {
		t.Errorf("Normalize() = %v", m)
	}
	if lines, ok := m["lines"].([]any); !ok || len(lines) != 1 {
		t.Errorf("lines = %v, want one-element list", m["lines"])
	}

	n, err := Normalize(42)
	if err != nil || n != 42.0 {
		t.Errorf("Normalize(42) = (%v, %v), want (42.0, nil)", n, err)
	}

	if v, err := Normalize(nil); v != nil || err != nil {
		t.Errorf("Normalize(nil) = (%v, %v)", v, err)
	}

	if _, err := Normalize(make(chan int)); err == nil {
		t.Error("Normalize() should fail for values JSON cannot encode")
	}
}

// TestIgnoreAndCompareFuncsDriveExperiment wires CEL rules into a real experiment run
func TestIgnoreAndCompareFuncsDriveExperiment(t *testing.T) {
	engine := newTestEngine(t,
		&Rule{ID: "clock", Kind: KindIgnore, Expression: `control.generated != candidate.generated && control.total == candidate.total && control.lines != candidate.lines`, Active: true},
		&Rule{ID: "money", Kind: KindCompare, Expression: `control.total == candidate.total && control.currency == candidate.currency`, Active: true},
	)

	control := invoice{ID: "i-1", Total: 10, Currency: "EUR", Generated: 1, Lines: []string{"a"}}

	var published *experiment.ResultSet[invoice]
	e, err := experiment.New(experiment.Config[invoice]{
		Name:    "invoices",
		Control: func() (invoice, error) { return control, nil },
		Trials: []*experiment.Trial[invoice]{
			// Different ID and lines, same money: compare rules decide it matches
			experiment.NewTrial("same-money", func() (invoice, error) {
				return invoice{ID: "i-2", Total: 10, Currency: "EUR", Generated: 1, Lines: []string{"a"}}, nil
			}),
			experiment.NewTrial("wrong-currency", func() (invoice, error) {
				return invoice{ID: "i-1", Total: 10, Currency: "USD", Generated: 1, Lines: []string{"a"}}, nil
			}),
			experiment.NewTrial("reordered", func() (invoice, error) {
				return invoice{ID: "i-1", Total: 10, Currency: "GBP", Generated: 2, Lines: []string{"b"}}, nil
			}),
		},
		Ignore:  []func(c, t invoice) bool{IgnoreFunc[invoice](engine)},
		Compare: CompareFunc[invoice](engine, nil),
		Publisher: experiment.PublisherFunc[invoice](func(_ context.Context, rs *experiment.ResultSet[invoice]) error {
			published = rs
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("experiment.New() failed: %v", err)
	}

	got, err := e.Run(context.Background())
	if err != nil || got.ID != "i-1" {
		t.Fatalf("Run() = (%v, %v), want control invoice", got, err)
	}

	expect := map[string]struct {
		ignored bool
		matched bool
	}{
		"same-money":     {false, true},
		"wrong-currency": {false, false},
		"reordered":      {true, false},
	}
	for name, want := range expect {
		tr, ok := published.Trial(name)
		if !ok {
			t.Fatalf("trial %s missing", name)
		}
		if tr.Ignored != want.ignored {
			t.Errorf("%s: Ignored = %v, want %v", name, tr.Ignored, want.ignored)
		}
		if !want.ignored && (tr.Matched == nil || *tr.Matched != want.matched) {
			t.Errorf("%s: Matched = %v, want %v", name, tr.Matched, want.matched)
		}
	}
}

// TestCompareFuncFallback verifies behaviour without compare rules
func TestCompareFuncFallback(t *testing.T) {
	engine := newTestEngine(t)

	// Without a fallback, normalised values are compared structurally
	compare := CompareFunc[invoice](engine, nil)
	if !compare(invoice{ID: "a", Total: 1}, invoice{ID: "a", Total: 1}) {
		t.Error("identical invoices should match")
	}
	if compare(invoice{ID: "a", Total: 1}, invoice{ID: "a", Total: 2}) {
		t.Error("different totals should not match")
	}

	calls := 0
	withFallback := CompareFunc[invoice](engine, func(c, t invoice) bool {
		calls++
		return c.ID == t.ID
	})
	if !withFallback(invoice{ID: "a", Total: 1}, invoice{ID: "a", Total: 2}) {
		t.Error("fallback comparator should decide")
	}
	if calls != 1 {
		t.Errorf("fallback called %d times, want 1", calls)
	}
}

// TestIgnoreFuncNoRules verifies nothing is ignored by an empty engine
func TestIgnoreFuncNoRules(t *testing.T) {
	engine := newTestEngine(t)

	if IgnoreFunc[int](engine)(1, 2) {
		t.Error("empty engine should not ignore")
	}
}
