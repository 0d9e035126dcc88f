package task

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
)

func TestMemoryQueueDeliversToWorkers(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish(ctx, id))
	}
	require.Equal(t, 3, q.Len())

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			seen = append(seen, id)
			mu.Unlock()
			return stdErrors.New("logged only")
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, q.Len())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	err := q.Publish(context.Background(), "late")
	require.ErrorIs(t, err, ErrQueueClosed)
	require.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))

	require.NoError(t, q.Consume(context.Background(), 1, func(context.Context, string) error { return nil }))
}

func TestMemoryQueuePublishHonoursContextWhenFull(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Publish(context.Background(), "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Publish(ctx, "second"), context.DeadlineExceeded)
}

func TestKnownQueueDriver(t *testing.T) {
	require.True(t, KnownQueueDriver(QueueRabbitMQ))
	require.False(t, KnownQueueDriver("kafka"))
}
