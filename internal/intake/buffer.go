package intake

import (
	"context"
	"sync"
)

// Buffer is an unbounded FIFO queue with a single consumer. Push never
// blocks, Pop waits for an item.
type Buffer[T any] struct {
	mx     sync.Mutex
	items  []T
	notify chan struct{}
}

func NewBuffer[T any]() *Buffer[T] {
	return &Buffer[T]{
		notify: make(chan struct{}, 1),
	}
}

func (b *Buffer[T]) Push(item T) {
	b.mx.Lock()
	b.items = append(b.items, item)
	b.mx.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Pop removes the oldest item. It blocks until there is one or ctx is done.
func (b *Buffer[T]) Pop(ctx context.Context) (T, error) {
	for {
		b.mx.Lock()
		if len(b.items) > 0 {
			item := b.items[0]
			var zero T
			b.items[0] = zero
			b.items = b.items[1:]
			b.mx.Unlock()
			return item, nil
		}
		b.mx.Unlock()

		select {
		case <-b.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

func (b *Buffer[T]) Len() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.items)
}
