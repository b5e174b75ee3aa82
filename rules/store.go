package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrRuleNotFound is returned when no rule has the requested ID
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleExists is returned when adding a rule whose ID is taken
	ErrRuleExists = errors.New("rule already exists")
)

// RuleStore persists the rules of one experiment.
// List and ListActive return rules oldest first.
type RuleStore interface {
	Add(rule *Rule) error
	Get(id string) (*Rule, error)
	ListActive() ([]*Rule, error)
	List() ([]*Rule, error)
	Update(rule *Rule) error
	Delete(id string) error
}

// InMemoryRuleStore implements RuleStore over a map. It keeps its own
// copies, so callers may reuse the rules they pass in.
type InMemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewInMemoryRuleStore creates an empty in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{rules: make(map[string]Rule)}
}

// Add stores rule and stamps its CreatedAt and UpdatedAt
func (s *InMemoryRuleStore) Add(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.rules[rule.ID]; taken {
		return fmt.Errorf("%w: %s", ErrRuleExists, rule.ID)
	}

	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	s.rules[rule.ID] = *rule
	return nil
}

func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return &r, nil
}

func (s *InMemoryRuleStore) ListActive() ([]*Rule, error) {
	return s.collect(func(r *Rule) bool { return r.Active }), nil
}

func (s *InMemoryRuleStore) List() ([]*Rule, error) {
	return s.collect(func(*Rule) bool { return true }), nil
}

func (s *InMemoryRuleStore) collect(keep func(*Rule) bool) []*Rule {
	s.mu.RLock()
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if keep(&r) {
			out = append(out, &r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update replaces an existing rule, keeping its CreatedAt
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[rule.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = *rule
	return nil
}

func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(s.rules, id)
	return nil
}
