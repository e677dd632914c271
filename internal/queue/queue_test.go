package queue

import (
	"sync"
	"testing"

	"cwlogd/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(t *testing.T, ts int64, msg string) model.Event {
	t.Helper()
	ev, err := model.NewEvent(&ts, []byte(msg))
	require.NoError(t, err)
	return ev
}

func TestQueue_PushUntilFull(t *testing.T) {
	q := New(10)

	for i := 0; i < 10; i++ {
		assert.NoError(t, q.Push(event(t, int64(i), "x")))
	}
	assert.Equal(t, 10, q.Len())

	err := q.Push(event(t, 11, "overflow"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 10, q.Len())

	events, dropped := q.Drain()
	assert.Len(t, events, 10)
	assert.Equal(t, 1, dropped)
}

func TestQueue_DefaultCapacity(t *testing.T) {
	q := New(0)
	assert.Equal(t, MaxEventQueueLen, q.Capacity())

	ev := event(t, 1, "x")
	for i := 0; i < MaxEventQueueLen; i++ {
		require.NoError(t, q.Push(ev))
	}
	assert.ErrorIs(t, q.Push(ev), ErrQueueFull)
	assert.Equal(t, 100.0, q.Health().QueuePercentFull)

	_, dropped := q.Drain()
	assert.Equal(t, 1, dropped)
}

func TestQueue_DrainResets(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Push(event(t, 1, "a")))
	require.NoError(t, q.Push(event(t, 2, "b")))
	assert.Error(t, q.Push(event(t, 3, "c")))

	events, dropped := q.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Message)
	assert.Equal(t, "b", events[1].Message)
	assert.Equal(t, 1, dropped)

	events, dropped = q.Drain()
	assert.Empty(t, events)
	assert.Zero(t, dropped)
	assert.Zero(t, q.Len())

	// capacity is available again after a drain
	assert.NoError(t, q.Push(event(t, 4, "d")))
}

func TestQueue_Health(t *testing.T) {
	q := New(4)
	h := q.Health()
	assert.Equal(t, 0, h.QueueLength)
	assert.Equal(t, 0.0, h.QueuePercentFull)

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Push(event(t, 1, "x")))
	}
	h = q.Health()
	assert.Equal(t, 4, h.QueueLength)
	assert.Equal(t, 100.0, h.QueuePercentFull)
}

func TestQueue_ConcurrentPushes(t *testing.T) {
	const (
		capacity  = 500
		producers = 8
		perWorker = 200
	)
	q := New(capacity)
	ev := event(t, 1, "x")

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if q.Push(ev) == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
				assert.LessOrEqual(t, q.Len(), capacity)
			}
		}()
	}
	wg.Wait()

	events, dropped := q.Drain()
	assert.Equal(t, capacity, accepted)
	assert.Len(t, events, capacity)
	assert.Equal(t, producers*perWorker-capacity, dropped)
}

func TestQueue_ConcurrentPushAndDrain(t *testing.T) {
	q := New(100)
	ev := event(t, 1, "x")

	var wg sync.WaitGroup
	done := make(chan struct{})

	total := 0
	totalDropped := 0
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			events, dropped := q.Drain()
			total += len(events)
			totalDropped += dropped
			select {
			case <-done:
				events, dropped = q.Drain()
				total += len(events)
				totalDropped += dropped
				return
			default:
			}
		}
	}()

	for i := 0; i < 5000; i++ {
		_ = q.Push(ev)
	}
	close(done)
	wg.Wait()

	assert.Equal(t, 5000, total+totalDropped)
}
