// Package parallel runs a function over a sequence with bounded concurrency.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map is a parallel mapping function, which runs mapFunc for each input
// with at most limit calls in flight. The input and output are iterators,
// the order of the output is the order of completion.
// Map is context aware, a canceled context ends the processing.
//
//	for result, err := range parallel.NewMap(ctx, 4, fn).Iter(input) {}
type Map[E, D any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	limit   int
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](ctx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Map[E, D]{
		ctx:     ctx,
		cancel:  cancel,
		limit:   limit,
		mapFunc: mapFunc,
	}
}

// Iter can be ranged over once. Stopping the range early cancels the
// remaining calls and waits for the running ones.
func (m *Map[E, D]) Iter(seq iter.Seq[E]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		mapped := make(chan result[D], m.limit)
		var g errgroup.Group
		g.SetLimit(m.limit)

		go func() {
			defer close(mapped)
			for entry := range seq {
				if m.ctx.Err() != nil {
					break
				}
				g.Go(func() error {
					d, err := m.mapFunc(m.ctx, entry)
					select {
					case mapped <- result[D]{d: d, e: err}:
					case <-m.ctx.Done():
					}
					return nil
				})
			}
			_ = g.Wait()
		}()

		defer func() {
			m.cancel()
			for range mapped {
			}
		}()
		for r := range mapped {
			if m.ctx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}

// Do calls fn for each input with at most limit calls in flight and
// returns the errors of the failed calls.
func Do[E any](ctx context.Context, limit int, seq iter.Seq[E], fn func(context.Context, E) error) []error {
	var errs []error
	mapFunc := func(ctx context.Context, e E) (struct{}, error) {
		return struct{}{}, fn(ctx, e)
	}
	for _, err := range NewMap(ctx, limit, mapFunc).Iter(seq) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
