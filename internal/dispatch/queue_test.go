package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_RunsTasksInOrder(t *testing.T) {
	q := New("test")
	defer q.Close()

	var mu sync.Mutex
	var got []int
	for i := 1; i <= 50; i++ {
		i := i
		require.True(t, q.Enqueue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}

	require.NoError(t, q.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i+1, v)
	}
}

func TestQueue_EnqueueFromTask(t *testing.T) {
	q := New("test")
	defer q.Close()

	inner := make(chan struct{})
	q.Enqueue(func() {
		q.Enqueue(func() { close(inner) })
	})

	select {
	case <-inner:
	case <-time.After(time.Second):
		t.Fatal("task enqueued from a task never ran")
	}
}

func TestQueue_CloseDrainsThenStops(t *testing.T) {
	q := New("test")

	var ran int
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		q.Enqueue(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	q.Close()

	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("queue did not stop")
	}
	assert.Equal(t, 10, ran)
	assert.False(t, q.Enqueue(func() {}), "closed queue rejects tasks")
	assert.NoError(t, q.Flush(context.Background()), "flush after close returns once drained")
}

func TestQueue_PanickingTaskDoesNotStopWorker(t *testing.T) {
	q := New("test")
	defer q.Close()

	q.Enqueue(func() { panic("boom") })
	after := make(chan struct{})
	q.Enqueue(func() { close(after) })

	select {
	case <-after:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestQueue_FlushHonoursContext(t *testing.T) {
	q := New("test")
	defer q.Close()

	block := make(chan struct{})
	q.Enqueue(func() { <-block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
