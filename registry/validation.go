package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/liamcoop/shadow/rules"
)

const (
	maxNameLength       = 100
	maxRuleNameLength   = 200
	maxExpressionLength = 10000
	maxFacts            = 100
)

var (
	experimentNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)
	identifierPattern     = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// ValidateExperimentName checks a name is usable in URLs and log fields
func ValidateExperimentName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("experiment name cannot be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("experiment name length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}
	if !experimentNamePattern.MatchString(name) {
		return fmt.Errorf("experiment name %q must start with a letter followed by letters, digits, '_', '-' or '.'", name)
	}
	return nil
}

// ValidateRule checks the user-supplied fields of a rule before compilation
func ValidateRule(rule *rules.Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(rule.Name) > maxRuleNameLength {
		return fmt.Errorf("rule name length %d exceeds maximum of %d characters", len(rule.Name), maxRuleNameLength)
	}
	if !rule.Kind.Valid() {
		return fmt.Errorf("rule kind %q must be %q or %q", rule.Kind, rules.KindIgnore, rules.KindCompare)
	}
	if strings.TrimSpace(rule.Expression) == "" {
		return fmt.Errorf("rule expression is required")
	}
	if len(rule.Expression) > maxExpressionLength {
		return fmt.Errorf("rule expression length %d exceeds maximum of %d characters", len(rule.Expression), maxExpressionLength)
	}
	return nil
}

// ValidateFacts checks that every fact name can be declared as a CEL variable
func ValidateFacts(facts map[string]any) error {
	if len(facts) == 0 {
		return fmt.Errorf("facts cannot be empty")
	}
	if len(facts) > maxFacts {
		return fmt.Errorf("facts contain %d entries, maximum allowed is %d", len(facts), maxFacts)
	}

	for name := range facts {
		if err := validateIdentifier(name); err != nil {
			return fmt.Errorf("invalid fact name %q: %w", name, err)
		}
	}
	return nil
}

func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$")
	}
	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

// isReservedKeyword reports CEL reserved words, which cannot name variables
func isReservedKeyword(name string) bool {
	switch name {
	case "true", "false", "null",
		"if", "else", "for", "while", "break", "continue", "return",
		"var", "let", "const", "function",
		"in", "as", "import", "package", "namespace", "loop", "void":
		return true
	}
	return false
}
