package registry

import (
	"strings"
	"testing"

	"github.com/liamcoop/shadow/rules"
)

func TestValidateExperimentName(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"Simple", "checkout", ""},
		{"With separators", "search.v2-ranking_b", ""},
		{"Empty", "", "empty"},
		{"Leading digit", "2fast", "must start with a letter"},
		{"Slash", "a/b", "must start with a letter"},
		{"Space", "my experiment", "must start with a letter"},
		{"Too long", "e" + strings.Repeat("x", 100), "exceeds maximum"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateExperimentName(tc.input)
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateExperimentName(%q) = %v, want nil", tc.input, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("ValidateExperimentName(%q) = %v, want error containing %q", tc.input, err, tc.wantErr)
			}
		})
	}
}

func TestValidateRule(t *testing.T) {
	valid := func() *rules.Rule {
		return &rules.Rule{Name: "totals", Kind: rules.KindCompare, Expression: `control.total == candidate.total`}
	}

	testCases := []struct {
		name    string
		mutate  func(r *rules.Rule)
		wantErr string
	}{
		{"Valid", func(r *rules.Rule) {}, ""},
		{"Blank name", func(r *rules.Rule) { r.Name = "  " }, "name is required"},
		{"Long name", func(r *rules.Rule) { r.Name = strings.Repeat("n", 201) }, "exceeds maximum of 200"},
		{"Bad kind", func(r *rules.Rule) { r.Kind = "maybe" }, "kind"},
		{"Empty kind", func(r *rules.Rule) { r.Kind = "" }, "kind"},
		{"Blank expression", func(r *rules.Rule) { r.Expression = "\n" }, "expression is required"},
		{"Long expression", func(r *rules.Rule) { r.Expression = strings.Repeat("x", 10001) }, "exceeds maximum of 10000"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := valid()
			tc.mutate(r)

			err := ValidateRule(r)
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateRule() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("ValidateRule() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateFacts(t *testing.T) {
	if err := ValidateFacts(map[string]any{"order": 1, "_user": 2, "A1": 3}); err != nil {
		t.Errorf("ValidateFacts() = %v, want nil", err)
	}

	if err := ValidateFacts(nil); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Errorf("ValidateFacts(nil) = %v, want empty error", err)
	}

	for _, bad := range []string{"1abc", "my-fact", "has space", "in", "null", "package"} {
		if err := ValidateFacts(map[string]any{bad: 1}); err == nil {
			t.Errorf("ValidateFacts(%q) should fail", bad)
		}
	}

	many := make(map[string]any)
	for i := 0; i < 101; i++ {
		many["f"+strings.Repeat("x", i)] = i
	}
	if err := ValidateFacts(many); err == nil || !strings.Contains(err.Error(), "100") {
		t.Errorf("ValidateFacts() with 101 facts = %v, want max error", err)
	}
}
