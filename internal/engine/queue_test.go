package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func advance(force bool) Input {
	return FeedAdvance{Force: force}
}

func TestInputQueue_EnqueueDequeue(t *testing.T) {
	q := newInputQueue()

	require.True(t, q.Enqueue(advance(true)), "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, FeedAdvance{Force: true}, got)
}

func TestInputQueue_FIFO(t *testing.T) {
	q := newInputQueue()

	for i := 1; i <= 3; i++ {
		q.Enqueue(presenceTick{gen: uint64(i)})
	}

	for want := uint64(1); want <= 3; want++ {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, presenceTick{gen: want}, got)
	}
}

func TestInputQueue_TryDequeue_Empty(t *testing.T) {
	q := newInputQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestInputQueue_WaitSignals(t *testing.T) {
	q := newInputQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(advance(false))
	}()

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("no signal after enqueue")
	}
	assert.Equal(t, 1, q.Len())
}

func TestInputQueue_CloseRejectsAndWakes(t *testing.T) {
	q := newInputQueue()
	q.Close()
	q.Close() // idempotent

	assert.False(t, q.Enqueue(advance(false)))
	select {
	case <-q.Wait():
	default:
		t.Fatal("closed queue must wake waiters")
	}
}

func TestInputQueue_ConcurrentEnqueue(t *testing.T) {
	q := newInputQueue()

	const producers, each = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.Enqueue(advance(false))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*each, q.Len())
}
