package rules

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Expression is a compiled CEL expression over a set of fact variables.
// It produces arbitrary values, unlike a Rule which must produce a bool.
type Expression struct {
	source string
	prog   cel.Program
}

// NewFactsEnv creates a CEL environment declaring one dynamic variable per fact
func NewFactsEnv(facts map[string]any) (*cel.Env, error) {
	names := make([]string, 0, len(facts))
	for name := range facts {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]cel.EnvOption, 0, len(names))
	for _, name := range names {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// CompileExpression compiles source in env with the standard cost limit
func CompileExpression(env *cel.Env, source string) (*Expression, error) {
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	return &Expression{source: source, prog: prog}, nil
}

// Source returns the expression text
func (x *Expression) Source() string {
	return x.source
}

// Eval evaluates the expression against facts and returns a native Go value
func (x *Expression) Eval(facts map[string]any) (any, error) {
	out, _, err := x.prog.Eval(facts)
	if err != nil {
		return nil, err
	}
	return toNative(out)
}

// toNative converts a CEL value into plain Go values all the way down, so
// nested maps and lists come back as map[string]any and []any
func toNative(val ref.Val) (any, error) {
	switch v := val.(type) {
	case traits.Mapper:
		out := make(map[string]any)
		it := v.Iterator()
		for it.HasNext() == types.True {
			key := it.Next()
			k, ok := key.Value().(string)
			if !ok {
				k = fmt.Sprint(key.Value())
			}
			elem, err := toNative(v.Get(key))
			if err != nil {
				return nil, fmt.Errorf("map key %q: %w", k, err)
			}
			out[k] = elem
		}
		return out, nil

	case traits.Lister:
		size, ok := v.Size().(types.Int)
		if !ok {
			return nil, fmt.Errorf("list has no size")
		}
		out := make([]any, int(size))
		for i := range out {
			elem, err := toNative(v.Get(types.Int(i)))
			if err != nil {
				return nil, fmt.Errorf("list index %d: %w", i, err)
			}
			out[i] = elem
		}
		return out, nil
	}

	switch val.Type() {
	case types.NullType:
		return nil, nil
	case types.ErrType:
		return nil, fmt.Errorf("%v", val.Value())
	default:
		return val.Value(), nil
	}
}
