package publish

import (
	"context"
	"log/slog"

	"github.com/liamcoop/shadow/experiment"
	"github.com/liamcoop/shadow/internal/logger"
)

// LogPublisher writes a structured summary of every run and updates the
// experiment counters
type LogPublisher[T any] struct {
	log *slog.Logger
}

// NewLogPublisher creates a LogPublisher. Nil uses the process logger.
func NewLogPublisher[T any](l *slog.Logger) *LogPublisher[T] {
	if l == nil {
		l = logger.Logger
	}
	return &LogPublisher[T]{log: l}
}

// Publish logs rs. Mismatches and control failures are logged at warn level.
func (p *LogPublisher[T]) Publish(ctx context.Context, rs *experiment.ResultSet[T]) error {
	rec := FromResultSet(rs)
	ignored, failed := rec.Counts()
	controlFailed := rec.Control.Failed()

	logger.RecordRun(rec.Mismatches, ignored, failed, controlFailed)

	attrs := []any{
		slog.String("experiment", rec.Experiment),
		slog.String("run_id", rec.ID),
		slog.Int("trials", len(rec.Trials)),
		slog.Int("ignored", ignored),
		slog.Int("failed", failed),
		slog.Duration("control_duration", rec.Control.Duration),
		slog.Any("context", rec.Context),
	}

	switch {
	case controlFailed:
		p.log.WarnContext(ctx, "experiment control failed",
			append(attrs, slog.String("error", rec.Control.Error))...)
	case !rec.Matched:
		p.log.WarnContext(ctx, "experiment mismatch",
			append(attrs, slog.Any("mismatched", rec.MismatchedTrials()))...)
	default:
		p.log.InfoContext(ctx, "experiment matched", attrs...)
	}
	return nil
}
