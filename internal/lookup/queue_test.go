package lookup

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int](3)
	for i := 1; i <= 3; i++ {
		dropped, err := q.Push(i)
		require.NoError(t, err)
		assert.False(t, dropped)
	}

	for want := 1; want <= 3; want++ {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestQueue_DiscardsOldestWhenFull(t *testing.T) {
	q := NewQueue[int](2)
	q.Push(1)
	q.Push(2)

	dropped, err := q.Push(3)
	require.NoError(t, err)
	assert.True(t, dropped)
	assert.Equal(t, 2, q.Size())

	got, _ := q.Pop()
	assert.Equal(t, 2, got)
	got, _ = q.Pop()
	assert.Equal(t, 3, got)
}

func TestQueue_Stop(t *testing.T) {
	q := NewQueue[int](2)

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Pop()
			results <- ok
		}()
	}

	// Give the poppers time to block
	time.Sleep(10 * time.Millisecond)
	q.Stop()
	wg.Wait()
	close(results)

	for ok := range results {
		assert.False(t, ok)
	}

	_, err := q.Push(1)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestQueue_StopAbandonsQueuedItems(t *testing.T) {
	q := NewQueue[int](2)
	q.Push(1)
	q.Stop()

	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Zero(t, q.Size())
}

func TestQueue_MinimumCapacity(t *testing.T) {
	assert.Equal(t, 1, NewQueue[int](0).Capacity())
}
