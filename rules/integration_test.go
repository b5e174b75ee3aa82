//go:build integration

package rules_test

import (
	"database/sql"
	"testing"

	"github.com/google/uuid"

	"github.com/liamcoop/shadow/internal/testdb"
	"github.com/liamcoop/shadow/rules"
)

func createExperiment(t *testing.T, db *sql.DB, name string) {
	if _, err := db.Exec(`INSERT INTO experiments (name) VALUES ($1)`, name); err != nil {
		t.Fatalf("Failed to create experiment: %v", err)
	}
}

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	db := testdb.New(t)

	createExperiment(t, db, "checkout")
	store := rules.NewPostgresRuleStore(db, "checkout")

	ruleID := uuid.New().String()
	rule := &rules.Rule{
		ID:         ruleID,
		Name:       "ignore-clock",
		Kind:       rules.KindIgnore,
		Expression: `control.generated != candidate.generated`,
		Active:     true,
	}

	if err := store.Add(rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	retrieved, err := store.Get(ruleID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if retrieved.Name != "ignore-clock" || retrieved.Kind != rules.KindIgnore {
		t.Errorf("Retrieved rule = %+v", retrieved)
	}
	if retrieved.Experiment != "checkout" {
		t.Errorf("Expected experiment 'checkout', got '%s'", retrieved.Experiment)
	}

	if err := store.Add(rule); err == nil {
		t.Error("Expected error adding duplicate rule")
	}

	activeRules, err := store.ListActive()
	if err != nil {
		t.Fatalf("Failed to list active rules: %v", err)
	}
	if len(activeRules) != 1 {
		t.Errorf("Expected 1 active rule, got %d", len(activeRules))
	}

	rule.Name = "ignore-clock-v2"
	rule.Kind = rules.KindCompare
	rule.Active = false
	if err := store.Update(rule); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}

	updated, err := store.Get(ruleID)
	if err != nil {
		t.Fatalf("Failed to get updated rule: %v", err)
	}
	if updated.Name != "ignore-clock-v2" || updated.Kind != rules.KindCompare || updated.Active {
		t.Errorf("Updated rule = %+v", updated)
	}

	activeRules, err = store.ListActive()
	if err != nil {
		t.Fatalf("Failed to list active rules: %v", err)
	}
	if len(activeRules) != 0 {
		t.Errorf("Expected 0 active rules, got %d", len(activeRules))
	}

	all, err := store.List()
	if err != nil {
		t.Fatalf("Failed to list rules: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected 1 rule, got %d", len(all))
	}

	if err := store.Delete(ruleID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	if _, err := store.Get(ruleID); err == nil {
		t.Error("Expected error when getting deleted rule, got nil")
	}
	if err := store.Delete(ruleID); err == nil {
		t.Error("Expected error deleting missing rule, got nil")
	}
}

func TestPostgresRuleStore_ExperimentIsolation(t *testing.T) {
	db := testdb.New(t)

	createExperiment(t, db, "search")
	createExperiment(t, db, "pricing")

	storeA := rules.NewPostgresRuleStore(db, "search")
	storeB := rules.NewPostgresRuleStore(db, "pricing")

	ruleAID := uuid.New().String()
	if err := storeA.Add(&rules.Rule{ID: ruleAID, Name: "search-rule", Kind: rules.KindCompare, Expression: `control.hits == candidate.hits`, Active: true}); err != nil {
		t.Fatalf("Failed to add rule for search: %v", err)
	}

	ruleBID := uuid.New().String()
	if err := storeB.Add(&rules.Rule{ID: ruleBID, Name: "pricing-rule", Kind: rules.KindIgnore, Expression: `control.currency != candidate.currency`, Active: true}); err != nil {
		t.Fatalf("Failed to add rule for pricing: %v", err)
	}

	if _, err := storeA.Get(ruleBID); err == nil {
		t.Error("search should not see pricing's rule")
	}
	if _, err := storeB.Get(ruleAID); err == nil {
		t.Error("pricing should not see search's rule")
	}
	if err := storeA.Delete(ruleBID); err == nil {
		t.Error("search should not be able to delete pricing's rule")
	}

	rulesA, err := storeA.ListActive()
	if err != nil {
		t.Fatalf("Failed to list rules for search: %v", err)
	}
	if len(rulesA) != 1 || rulesA[0].Name != "search-rule" {
		t.Errorf("search rules = %+v", rulesA)
	}

	rulesB, err := storeB.ListActive()
	if err != nil {
		t.Fatalf("Failed to list rules for pricing: %v", err)
	}
	if len(rulesB) != 1 || rulesB[0].Name != "pricing-rule" {
		t.Errorf("pricing rules = %+v", rulesB)
	}
}

func TestPostgresRuleStore_EngineRoundTrip(t *testing.T) {
	db := testdb.New(t)

	createExperiment(t, db, "totals")
	store := rules.NewPostgresRuleStore(db, "totals")

	engine, err := rules.NewEngine(store)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	if err := engine.AddRule(&rules.Rule{
		ID:         uuid.New().String(),
		Name:       "totals-match",
		Kind:       rules.KindCompare,
		Expression: `control.total == candidate.total`,
		Active:     true,
	}); err != nil {
		t.Fatalf("Failed to add rule through engine: %v", err)
	}

	// A fresh engine compiles what the first one persisted
	reloaded, err := rules.NewEngine(store)
	if err != nil {
		t.Fatalf("Failed to reload engine: %v", err)
	}

	matched, ok, err := reloaded.Matches(
		map[string]any{"total": 10.0, "id": "a"},
		map[string]any{"total": 10.0, "id": "b"},
	)
	if err != nil || !ok || !matched {
		t.Errorf("Matches() = (%v, %v, %v), want (true, true, nil)", matched, ok, err)
	}
}

func TestPostgresRuleStore_CascadeOnExperimentDelete(t *testing.T) {
	db := testdb.New(t)

	createExperiment(t, db, "temp")
	store := rules.NewPostgresRuleStore(db, "temp")

	if err := store.Add(&rules.Rule{ID: "r1", Name: "r1", Kind: rules.KindIgnore, Expression: `true`, Active: true}); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	if _, err := db.Exec(`DELETE FROM experiments WHERE name = $1`, "temp"); err != nil {
		t.Fatalf("Failed to delete experiment: %v", err)
	}

	all, err := store.List()
	if err != nil {
		t.Fatalf("Failed to list rules: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Expected rules to cascade, got %d", len(all))
	}
}
