package publish

import (
	"context"
	"fmt"
	"sync"

	"github.com/liamcoop/shadow/experiment"
)

// DefaultMemoryLimit is the history size used when none is given
const DefaultMemoryLimit = 100

// MemoryPublisher keeps the most recent records in memory. Safe for
// concurrent use.
type MemoryPublisher[T any] struct {
	limit   int
	records []Record
	mu      sync.RWMutex
}

// NewMemoryPublisher keeps at most limit records; limit <= 0 uses
// DefaultMemoryLimit
func NewMemoryPublisher[T any](limit int) *MemoryPublisher[T] {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryPublisher[T]{limit: limit}
}

// Publish appends rs, evicting the oldest record when full
func (p *MemoryPublisher[T]) Publish(_ context.Context, rs *experiment.ResultSet[T]) error {
	rec := FromResultSet(rs)

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.records) == p.limit {
		copy(p.records, p.records[1:])
		p.records = p.records[:len(p.records)-1]
	}
	p.records = append(p.records, rec)
	return nil
}

// Records returns the retained records, oldest first
func (p *MemoryPublisher[T]) Records() []Record {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Record, len(p.records))
	copy(out, p.records)
	return out
}

// List returns retained records of f.Experiment, newest first
func (p *MemoryPublisher[T]) List(_ context.Context, f RunFilter) ([]Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := []Record{}
	for i := len(p.records) - 1; i >= 0; i-- {
		rec := p.records[i]
		if rec.Experiment != f.Experiment || (f.MismatchedOnly && rec.Matched) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Get returns the record with the given run ID
func (p *MemoryPublisher[T]) Get(_ context.Context, id string) (*Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, rec := range p.records {
		if rec.ID == id {
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
}
