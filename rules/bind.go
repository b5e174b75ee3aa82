package rules

import (
	"encoding/json"
	"fmt"

	"github.com/liamcoop/shadow/internal/logger"
)

// Normalize converts an arbitrary Go value into the map/list/scalar shape
// CEL understands natively. Structs become maps keyed by their JSON names
// and every number becomes a double.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize %T: %w", v, err)
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize %T: %w", v, err)
	}
	return out, nil
}

func normalizePair[T any](control, candidate T) (any, any, error) {
	c, err := Normalize(control)
	if err != nil {
		return nil, nil, err
	}
	t, err := Normalize(candidate)
	if err != nil {
		return nil, nil, err
	}
	return c, t, nil
}

// IgnoreFunc adapts the engine's ignore rules to an experiment ignore predicate.
// Any failure to evaluate is logged and treated as "not ignored".
func IgnoreFunc[T any](en *Engine) func(control, candidate T) bool {
	return func(control, candidate T) bool {
		c, t, err := normalizePair(control, candidate)
		if err != nil {
			logger.WarnRuleEval("ignore rules skipped", err)
			return false
		}

		ignored, err := en.Ignores(c, t)
		if err != nil {
			logger.WarnRuleEval("ignore rules failed", err)
			return false
		}
		return ignored
	}
}

// CompareFunc adapts the engine's compare rules to an experiment comparator.
// fallback decides when the experiment has no compare rules; nil means
// values are equal when their normalised forms are equal.
func CompareFunc[T any](en *Engine, fallback func(control, candidate T) bool) func(control, candidate T) bool {
	return func(control, candidate T) bool {
		c, t, err := normalizePair(control, candidate)
		if err != nil {
			logger.WarnRuleEval("compare rules skipped", err)
			return false
		}

		matched, ok, err := en.Matches(c, t)
		if err != nil {
			logger.WarnRuleEval("compare rules failed", err)
			return false
		}
		if ok {
			return matched
		}

		if fallback != nil {
			return fallback(control, candidate)
		}
		return equalNormalized(c, t)
	}
}

func equalNormalized(a, b any) bool {
	// Normalised values are JSON trees, so their encodings are canonical
	// (encoding/json sorts map keys)
	x, err := json.Marshal(a)
	if err != nil {
		return false
	}
	y, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(x) == string(y)
}
