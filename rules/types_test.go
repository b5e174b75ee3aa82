package rules

import "testing"

// TestKindValid verifies only ignore and compare are accepted rule kinds
func TestKindValid(t *testing.T) {
	testCases := []struct {
		kind Kind
		want bool
	}{
		{KindIgnore, true},
		{KindCompare, true},
		{Kind(""), false},
		{Kind("Ignore"), false},
		{Kind("filter"), false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.kind), func(t *testing.T) {
			if got := tc.kind.Valid(); got != tc.want {
				t.Errorf("Kind(%q).Valid() = %v, want %v", tc.kind, got, tc.want)
			}
		})
	}
}
