// internal/worker/batch.go
package worker

import (
	"fmt"
	"sort"

	"cwlogd/internal/model"
)

// PutLogEvents 제약보다 보수적으로 잡은 배치 한도.
// (공식 한도: 1MB / 10,000 건 / 24 시간)
const (
	MaxBatchBytes      = 800000
	MaxBatchRecords    = 5000
	MaxBatchRangeHours = 6

	maxBatchRangeMillis = int64(MaxBatchRangeHours) * 3600 * 1000
)

// Batch 는 한 번의 PutEvents 호출로 올라가는 이벤트 묶음.
// Records 는 항상 timestamp 오름차순이다.
type Batch struct {
	Records []model.Event
	Bytes   int
}

// Add
// ------------------------------------------------------------
// 이벤트를 배치에 추가할 수 있으면 추가하고 true 를 반환한다.
// 전제: 이벤트는 timestamp 오름차순으로만 들어온다.
//
// 다음 중 하나라도 해당하면 false (배치는 변경하지 않음):
//   - 건수가 MaxBatchRecords 에 도달
//   - 첫 레코드와의 시간 차가 6시간 이상
//   - 누적 바이트가 MaxBatchBytes 이상이 됨
func (b *Batch) Add(ev model.Event) bool {
	if len(b.Records) >= MaxBatchRecords {
		return false
	}

	if len(b.Records) > 0 && rangeExceeded(b.Records[0], ev) {
		return false
	}

	if b.Bytes+ev.WireSize >= MaxBatchBytes {
		return false
	}

	b.Records = append(b.Records, ev)
	b.Bytes += ev.WireSize
	return true
}

// rangeExceeded 는 first → ev 의 시간 차가 배치 허용 범위 이상인지 검사한다.
// 음수 차이는 정렬 전제가 깨졌다는 뜻이므로 panic.
func rangeExceeded(first, ev model.Event) bool {
	diff := ev.Timestamp - first.Timestamp
	if diff < 0 {
		panic(fmt.Sprintf("batch received out-of-order record: %d after %d", ev.Timestamp, first.Timestamp))
	}
	return diff >= maxBatchRangeMillis
}

// Partition
// ------------------------------------------------------------
// 이벤트 목록을 timestamp 순으로 한 번 정렬한 뒤, 앞에서부터
// 배치가 거절할 때까지 채우는 greedy 방식으로 나눈다.
//
//   - 입력 slice 는 변경하지 않는다 (복사 후 stable sort).
//   - 모든 이벤트는 정확히 하나의 배치에 들어간다.
//   - 빈 배치에도 들어가지 못하는 이벤트(AllowOversize 로 만든 경우)는
//     유실 대신 단독 배치로 내보낸다.
func Partition(events []model.Event) []*Batch {
	if len(events) == 0 {
		return nil
	}

	sorted := make([]model.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	var batches []*Batch
	cur := &Batch{}

	for i := 0; i < len(sorted); {
		if cur.Add(sorted[i]) {
			i++
			continue
		}

		if len(cur.Records) == 0 {
			cur.Records = append(cur.Records, sorted[i])
			cur.Bytes = sorted[i].WireSize
			i++
		}

		batches = append(batches, cur)
		cur = &Batch{}
	}

	if len(cur.Records) > 0 {
		batches = append(batches, cur)
	}

	return batches
}
