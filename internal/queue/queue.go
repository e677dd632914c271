// internal/queue/queue.go
package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"cwlogd/internal/model"
)

// MaxEventQueueLen 는 기본 큐 용량.
//
// 실제 메모리 상한은 이 값의 두 배다:
//   - Flusher 가 업로드 중인 drain 결과 (최대 MaxEventQueueLen)
//   - 그 사이 Acceptor 가 새로 쌓는 큐 (최대 MaxEventQueueLen)
const MaxEventQueueLen = 100000

// ErrQueueFull 은 큐가 가득 차서 이벤트를 버렸을 때 반환된다.
// 요청한 클라이언트에게만 에러 응답으로 전달되고, 전체 개수는
// drop 카운터로 집계되어 다음 flush 에서 drop 이벤트로 업로드된다.
var ErrQueueFull = errors.New("too many events in queue")

// Queue
// ------------------------------------------------------------
// Acceptor(writer)와 Flusher(drainer)가 공유하는 유일한 가변 상태.
//
//   - buf / dropped 는 mu 로만 변경한다.
//   - critical section 안에서는 I/O 를 하지 않는다.
//   - length 는 Health() 가 lock 없이 읽기 위한 atomic 미러.
//     (advisory 값이므로 한 번의 동시 변경만큼 stale 해도 무방)
type Queue struct {
	mu       sync.Mutex
	buf      []model.Event
	dropped  int
	capacity int

	length atomic.Int64
}

// New 는 capacity 크기의 큐를 만든다. capacity <= 0 이면 MaxEventQueueLen.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = MaxEventQueueLen
	}
	return &Queue{capacity: capacity}
}

// Push 는 이벤트를 큐 끝에 추가한다.
// 용량 초과 시 dropped 를 증가시키고 ErrQueueFull 을 반환한다.
// 절대 block/sleep 하지 않는다.
func (q *Queue) Push(ev model.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.buf) >= q.capacity {
		q.dropped++
		return ErrQueueFull
	}

	q.buf = append(q.buf, ev)
	q.length.Store(int64(len(q.buf)))
	return nil
}

// Drain 은 버퍼와 drop 카운터를 한 번에 가져가고 둘 다 비운다.
// slice 헤더 교체만 하므로 큐 길이와 무관하게 O(1).
func (q *Queue) Drain() ([]model.Event, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	events, dropped := q.buf, q.dropped
	q.buf = nil
	q.dropped = 0
	q.length.Store(0)

	return events, dropped
}

// Len 은 lock 없이 현재 큐 길이를 반환한다.
func (q *Queue) Len() int {
	return int(q.length.Load())
}

// Capacity 는 큐 용량.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Health 는 현재 큐 상태 스냅샷 (lock 없음).
func (q *Queue) Health() model.Health {
	return model.NewHealth(q.Len(), q.capacity)
}
