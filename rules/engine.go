package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Variable names every rule expression can reference
const (
	ControlVar   = "control"
	CandidateVar = "candidate"
)

// costLimit bounds the work a single rule evaluation may do
const costLimit = 1000000

// Engine compiles and evaluates the ignore and compare rules of one experiment.
// It is safe for concurrent evaluation and mutation.
type Engine struct {
	env      *cel.Env
	store    RuleStore
	cache    RulesCache              // cache for active rules list
	programs map[string]cel.Program // ruleID -> compiled program
	mu       sync.RWMutex
}

// NewEnv creates the CEL environment rules are compiled in
func NewEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable(ControlVar, cel.DynType),
		cel.Variable(CandidateVar, cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// NewEngine creates a rules engine and compiles every active rule in store
func NewEngine(store RuleStore) (*Engine, error) {
	env, err := NewEnv()
	if err != nil {
		return nil, err
	}

	en := &Engine{
		env:      env,
		store:    store,
		cache:    NewInMemoryRulesCache(DefaultCacheConfig()),
		programs: make(map[string]cel.Program),
	}

	if err := en.CompileAllRules(); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	return en, nil
}

// CompileRule compiles a rule expression and caches the program.
// Expressions must produce a bool.
func (en *Engine) CompileRule(ruleID, expression string) error {
	prog, err := en.compile(expression)
	if err != nil {
		return err
	}
	en.install(ruleID, prog)
	return nil
}

func (en *Engine) compile(expression string) (cel.Program, error) {
	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", out)
	}

	prog, err := en.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

func (en *Engine) install(ruleID string, prog cel.Program) {
	en.mu.Lock()
	en.programs[ruleID] = prog
	en.mu.Unlock()
}

// CompileAllRules compiles all active rules from the store
// and populates the cache with them
func (en *Engine) CompileAllRules() error {
	rules, err := en.store.ListActive()
	if err != nil {
		return err
	}

	for _, rule := range rules {
		if err := en.CompileRule(rule.ID, rule.Expression); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rule.ID, err)
		}
	}

	en.cache.Set(rules)

	return nil
}

// Evaluate evaluates a single rule against a control/candidate pair.
// Values should already be normalised with Normalize.
func (en *Engine) Evaluate(ruleID string, control, candidate any) (*EvaluationResult, error) {
	rule, err := en.store.Get(ruleID)
	if err != nil {
		return nil, err
	}

	result := en.eval(rule, activation(control, candidate))
	return result, result.Error
}

// EvaluateAll evaluates every active rule of the given kind, continuing past failures
func (en *Engine) EvaluateAll(kind Kind, control, candidate any) ([]*EvaluationResult, error) {
	rules, err := en.activeRules()
	if err != nil {
		return nil, err
	}

	vars := activation(control, candidate)
	results := make([]*EvaluationResult, 0, len(rules))
	for _, rule := range rules {
		if rule.Kind != kind {
			continue
		}
		results = append(results, en.eval(rule, vars))
	}

	return results, nil
}

// Ignores reports whether any active ignore rule matches the pair.
// Rules that fail to evaluate do not count as matching.
func (en *Engine) Ignores(control, candidate any) (bool, error) {
	results, err := en.EvaluateAll(KindIgnore, control, candidate)
	if err != nil {
		return false, err
	}

	for _, r := range results {
		if r.Error == nil && r.Matched {
			return true, nil
		}
	}
	return false, nil
}

// Matches reports whether every active compare rule holds for the pair.
// ok is false when the experiment has no compare rules.
// A rule that fails to evaluate counts as a mismatch.
func (en *Engine) Matches(control, candidate any) (matched, ok bool, err error) {
	results, err := en.EvaluateAll(KindCompare, control, candidate)
	if err != nil {
		return false, false, err
	}
	if len(results) == 0 {
		return false, false, nil
	}

	for _, r := range results {
		if r.Error != nil || !r.Matched {
			return false, true, nil
		}
	}
	return true, true, nil
}

// AddRule validates, compiles and stores a new rule
func (en *Engine) AddRule(r *Rule) error {
	// Compiling would replace the existing rule's program
	if _, err := en.store.Get(r.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
	}

	if !r.Kind.Valid() {
		return fmt.Errorf("rule validation failed: unknown kind %q", r.Kind)
	}

	prog, err := en.compile(r.Expression)
	if err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Add(r); err != nil {
		return err
	}

	en.install(r.ID, prog)
	en.cache.Invalidate()

	return nil
}

// UpdateRule validates the new expression, stores the rule and swaps in the
// new program. The old program stays live if the store rejects the update.
func (en *Engine) UpdateRule(r *Rule) error {
	if !r.Kind.Valid() {
		return fmt.Errorf("rule validation failed: unknown kind %q", r.Kind)
	}

	prog, err := en.compile(r.Expression)
	if err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Update(r); err != nil {
		return err
	}

	en.install(r.ID, prog)
	en.cache.Invalidate()

	return nil
}

// DeleteRule removes a rule from the store and compiled programs
func (en *Engine) DeleteRule(ruleID string) error {
	if err := en.store.Delete(ruleID); err != nil {
		return err
	}

	en.mu.Lock()
	delete(en.programs, ruleID)
	en.mu.Unlock()

	en.cache.Invalidate()

	return nil
}

// Rules returns the active rules, served from cache when possible
func (en *Engine) Rules() ([]*Rule, error) {
	return en.activeRules()
}

// ListRules returns every rule in the store, active or not
func (en *Engine) ListRules() ([]*Rule, error) {
	return en.store.List()
}

// GetRule returns a stored rule by ID
func (en *Engine) GetRule(ruleID string) (*Rule, error) {
	return en.store.Get(ruleID)
}

func (en *Engine) activeRules() ([]*Rule, error) {
	rules := en.cache.Get()
	if rules != nil {
		return rules, nil
	}

	rules, err := en.store.ListActive()
	if err != nil {
		return nil, err
	}
	en.cache.Set(rules)
	return rules, nil
}

func (en *Engine) eval(rule *Rule, vars map[string]any) *EvaluationResult {
	result := &EvaluationResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Kind:     rule.Kind,
	}

	en.mu.RLock()
	prog, exists := en.programs[rule.ID]
	en.mu.RUnlock()

	if !exists {
		result.Error = fmt.Errorf("rule %s is not compiled", rule.ID)
		return result
	}

	out, details, err := prog.Eval(vars)
	if err != nil {
		result.Error = err
		return result
	}

	// Non-boolean results never match
	if boolVal, ok := out.Value().(bool); ok {
		result.Matched = boolVal
	}
	if details != nil {
		result.Trace = details.State()
	}
	return result
}

func activation(control, candidate any) map[string]any {
	return map[string]any{
		ControlVar:   control,
		CandidateVar: candidate,
	}
}
