package publish

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned by RunStore.Get for unknown run IDs
var ErrRunNotFound = errors.New("run not found")

// RunFilter narrows RunStore.List
type RunFilter struct {
	Experiment     string
	MismatchedOnly bool
	Limit          int
}

// RunReader reads published runs back
type RunReader interface {
	List(ctx context.Context, f RunFilter) ([]Record, error)
	Get(ctx context.Context, id string) (*Record, error)
}

var (
	_ RunReader = (*RunStore)(nil)
	_ RunReader = (*MemoryPublisher[any])(nil)
)

// RunStore reads runs written by PostgresPublisher
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a RunStore
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// List returns run summaries, newest first, without observations
func (s *RunStore) List(ctx context.Context, f RunFilter) ([]Record, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultMemoryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, experiment, context, matched, mismatches, started_at
		FROM experiment_runs
		WHERE experiment = $1 AND ($2 = false OR matched = false)
		ORDER BY started_at DESC
		LIMIT $3
	`, f.Experiment, f.MismatchedOnly, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []Record{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// Get returns a run with its control and trial observations
func (s *RunStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, experiment, context, matched, mismatches, started_at
		FROM experiment_runs
		WHERE id = $1
	`, id)

	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, is_control, value, cleaned, error, panicked, duration_ns, matched, ignored, skipped
		FROM experiment_observations
		WHERE run_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load observations: %w", err)
	}
	defer rows.Close()

	rec.Trials = []Observation{}
	for rows.Next() {
		var (
			o         Observation
			isControl bool
			value     []byte
			cleaned   []byte
			errText   sql.NullString
			nanos     int64
			matched   sql.NullBool
		)
		if err := rows.Scan(&o.Name, &isControl, &value, &cleaned, &errText, &o.Panicked, &nanos,
			&matched, &o.Ignored, &o.Skipped); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}

		o.Error = errText.String
		o.Duration = time.Duration(nanos)
		if matched.Valid {
			m := matched.Bool
			o.Matched = &m
		}
		if value != nil {
			if err := json.Unmarshal(value, &o.Value); err != nil {
				return nil, fmt.Errorf("failed to decode %s value: %w", o.Name, err)
			}
		}
		if cleaned != nil {
			if err := json.Unmarshal(cleaned, &o.Cleaned); err != nil {
				return nil, fmt.Errorf("failed to decode %s cleaned value: %w", o.Name, err)
			}
		}

		if isControl {
			control := o
			rec.Control = &control
			continue
		}
		rec.Trials = append(rec.Trials, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating observations: %w", err)
	}

	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Record, error) {
	var (
		rec         Record
		contextJSON []byte
	)
	if err := row.Scan(&rec.ID, &rec.Experiment, &contextJSON, &rec.Matched,
		&rec.Mismatches, &rec.StartedAt); err != nil {
		return nil, err
	}

	rec.Context = map[string]any{}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &rec.Context); err != nil {
			return nil, fmt.Errorf("failed to decode context: %w", err)
		}
	}
	return &rec, nil
}
