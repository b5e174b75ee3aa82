package experiment

import (
	"context"
	"errors"
)

// Publisher receives the completed ResultSet of every enabled run.
// Publish is called synchronously from Run after all evaluation is done.
type Publisher[T any] interface {
	Publish(ctx context.Context, rs *ResultSet[T]) error
}

// PublisherFunc adapts a function to the Publisher interface
type PublisherFunc[T any] func(ctx context.Context, rs *ResultSet[T]) error

func (f PublisherFunc[T]) Publish(ctx context.Context, rs *ResultSet[T]) error {
	return f(ctx, rs)
}

// MultiPublisher fans a ResultSet out to several publishers in order.
// Every publisher is called even when an earlier one fails.
type MultiPublisher[T any] []Publisher[T]

func (m MultiPublisher[T]) Publish(ctx context.Context, rs *ResultSet[T]) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, rs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type noopPublisher[T any] struct{}

func (noopPublisher[T]) Publish(context.Context, *ResultSet[T]) error { return nil }
