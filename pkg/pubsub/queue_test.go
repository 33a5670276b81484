package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkQueue(t *testing.T) {
	q := newWorkQueue[int](4)
	ctx := context.Background()

	if err := q.put(ctx, 1); !errors.Is(err, ErrQueueInactive) {
		t.Fatalf("put() before activate error = %v, want ErrQueueInactive", err)
	}

	var mu sync.Mutex
	var got []int
	require.True(t, q.activate(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	}))
	assert.False(t, q.activate(func(int) {}), "second activate")
	assert.True(t, q.active())

	for i := 0; i < 10; i++ {
		require.NoError(t, q.put(ctx, i))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, time.Second, time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)

	require.NoError(t, q.deactivate())
	assert.False(t, q.active())
	assert.ErrorIs(t, q.put(ctx, 11), ErrQueueInactive)
	require.NoError(t, q.deactivate())
}

func TestWorkQueueBlockedPut(t *testing.T) {
	q := newWorkQueue[int](1)

	release := make(chan struct{})
	q.activate(func(int) { <-release })
	defer func() {
		close(release)
		q.deactivate()
	}()

	ctx := context.Background()
	require.NoError(t, q.put(ctx, 1))
	// The worker may hold the first item; fill the buffer behind it.
	for q.put(ctxWithTimeout(t, 20*time.Millisecond), 2) == nil {
	}

	err := q.put(ctxWithTimeout(t, 20*time.Millisecond), 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func ctxWithTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
