package publish

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/liamcoop/shadow/experiment"
)

// PostgresPublisher persists each run and its observations in one transaction
type PostgresPublisher[T any] struct {
	db *sql.DB
}

// NewPostgresPublisher creates a publisher writing to experiment_runs and
// experiment_observations
func NewPostgresPublisher[T any](db *sql.DB) *PostgresPublisher[T] {
	return &PostgresPublisher[T]{db: db}
}

// Publish stores rs
func (p *PostgresPublisher[T]) Publish(ctx context.Context, rs *experiment.ResultSet[T]) error {
	return SaveRecord(ctx, p.db, FromResultSet(rs))
}

// SaveRecord writes rec inside a single transaction. The control is stored
// at position 0, trials follow in configuration order.
func SaveRecord(ctx context.Context, db *sql.DB, rec Record) error {
	contextJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("failed to encode run context: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO experiment_runs (id, experiment, context, matched, mismatches, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.Experiment, string(contextJSON), rec.Matched, rec.Mismatches, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO experiment_observations
			(run_id, position, name, is_control, value, cleaned, error, panicked, duration_ns, matched, ignored, skipped)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare observation insert: %w", err)
	}
	defer stmt.Close()

	observations := make([]Observation, 0, len(rec.Trials)+1)
	if rec.Control != nil {
		observations = append(observations, *rec.Control)
	}
	observations = append(observations, rec.Trials...)

	for i, o := range observations {
		value, err := encodeValue(o)
		if err != nil {
			return fmt.Errorf("failed to encode %s value: %w", o.Name, err)
		}
		var cleaned any
		if o.Cleaned != nil {
			if cleaned, err = encodeJSON(o.Cleaned); err != nil {
				return fmt.Errorf("failed to encode %s cleaned value: %w", o.Name, err)
			}
		}

		_, err = stmt.ExecContext(ctx,
			rec.ID, i, o.Name, rec.Control != nil && i == 0, value, cleaned, nullString(o.Error),
			o.Panicked, o.Duration.Nanoseconds(), nullBool(o.Matched), o.Ignored, o.Skipped)
		if err != nil {
			return fmt.Errorf("failed to insert observation %s: %w", o.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

func encodeValue(o Observation) (any, error) {
	if o.Failed() {
		return nil, nil
	}
	return encodeJSON(o.Value)
}

func encodeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// lib/pq sends []byte as bytea, which jsonb rejects
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
