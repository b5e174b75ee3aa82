package rules

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const ruleColumns = `id, experiment, name, kind, expression, active, created_at, updated_at`

// PostgresRuleStore implements RuleStore backed by PostgreSQL,
// scoped to the rules of a single experiment
type PostgresRuleStore struct {
	db         *sql.DB
	experiment string
}

// NewPostgresRuleStore creates a PostgreSQL-backed RuleStore for one experiment
func NewPostgresRuleStore(db *sql.DB, experiment string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:         db,
		experiment: experiment,
	}
}

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(rule *Rule) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rules WHERE id = $1 AND experiment = $2)
	`, rule.ID, s.experiment).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrRuleExists, rule.ID)
	}

	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.Experiment = s.experiment

	_, err = s.db.Exec(`
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rule.ID, s.experiment, rule.Name, string(rule.Kind), rule.Expression, rule.Active,
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND experiment = $2
	`, id, s.experiment)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

// ListActive returns all active rules for the experiment
func (s *PostgresRuleStore) ListActive() ([]*Rule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE experiment = $1 AND active = true
		ORDER BY created_at ASC, id ASC
	`)
}

// List returns all rules for the experiment
func (s *PostgresRuleStore) List() ([]*Rule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE experiment = $1
		ORDER BY created_at ASC, id ASC
	`)
}

func (s *PostgresRuleStore) query(q string) ([]*Rule, error) {
	rows, err := s.db.Query(q, s.experiment)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(rule *Rule) error {
	existing, err := s.Get(rule.ID)
	if err != nil {
		return err
	}

	rule.Experiment = s.experiment
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE rules
		SET name = $1, kind = $2, expression = $3, active = $4, updated_at = $5
		WHERE id = $6 AND experiment = $7
	`, rule.Name, string(rule.Kind), rule.Expression, rule.Active, rule.UpdatedAt, rule.ID, s.experiment)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}

	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rules
		WHERE id = $1 AND experiment = $2
	`, id, s.experiment)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*Rule, error) {
	var r Rule
	var kind string
	if err := row.Scan(&r.ID, &r.Experiment, &r.Name, &kind, &r.Expression, &r.Active,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	return &r, nil
}
