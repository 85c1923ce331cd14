package intake_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcssrunner/runner/internal/intake"
)

func TestBuffer(t *testing.T) {
	t.Parallel()
	b := intake.NewBuffer[int]()
	for i := range 1000 {
		b.Push(i)
	}
	require.Equal(t, 1000, b.Len())
	for i := range 1000 {
		v, err := b.Pop(t.Context())
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	require.Zero(t, b.Len())
}

func TestBufferPopBlocks(t *testing.T) {
	t.Parallel()
	b := intake.NewBuffer[string]()

	got := make(chan string, 1)
	go func() {
		v, err := b.Pop(t.Context())
		if err == nil {
			got <- v
		}
	}()
	select {
	case <-got:
		t.Fatal("pop returned from an empty buffer")
	case <-time.After(20 * time.Millisecond):
	}
	b.Push("x")
	require.Equal(t, "x", <-got)
}

func TestBufferPopCanceled(t *testing.T) {
	t.Parallel()
	b := intake.NewBuffer[string]()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Pop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
