package worker

import (
	"math/rand"
	"strings"
	"testing"

	"cwlogd/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hourMillis = int64(3600 * 1000)

func mkEvent(t *testing.T, ts int64, msg string) model.Event {
	t.Helper()
	ev, err := model.NewEvent(&ts, []byte(msg))
	require.NoError(t, err)
	return ev
}

func flatten(batches []*Batch) []model.Event {
	var out []model.Event
	for _, b := range batches {
		out = append(out, b.Records...)
	}
	return out
}

func assertBatchLimits(t *testing.T, batches []*Batch) {
	t.Helper()
	for _, b := range batches {
		require.NotEmpty(t, b.Records)
		assert.LessOrEqual(t, len(b.Records), MaxBatchRecords)
		assert.Less(t, b.Bytes, MaxBatchBytes)
		first, last := b.Records[0], b.Records[len(b.Records)-1]
		assert.Less(t, last.Timestamp-first.Timestamp, int64(MaxBatchRangeHours)*hourMillis)

		sum := 0
		for _, r := range b.Records {
			sum += r.WireSize
		}
		assert.Equal(t, sum, b.Bytes)
	}
}

func TestBatch_RecordCap(t *testing.T) {
	b := &Batch{}
	ev := mkEvent(t, 1, "x")
	for i := 0; i < MaxBatchRecords; i++ {
		require.True(t, b.Add(ev))
	}
	assert.False(t, b.Add(ev))
	assert.Len(t, b.Records, MaxBatchRecords)
}

func TestBatch_ByteCap(t *testing.T) {
	// 200000 바이트 메시지 4개 = 800104 → 4번째는 거절
	msg := strings.Repeat("a", 200000)
	b := &Batch{}
	for i := 0; i < 3; i++ {
		require.True(t, b.Add(mkEvent(t, 1, msg)))
	}
	before := b.Bytes
	assert.False(t, b.Add(mkEvent(t, 1, msg)))
	assert.Equal(t, before, b.Bytes)
	assert.Len(t, b.Records, 3)
}

func TestBatch_ByteCapIsExclusive(t *testing.T) {
	b := &Batch{}
	// 합계가 정확히 MaxBatchBytes 가 되면 거절
	first := mkEvent(t, 1, strings.Repeat("a", 200000-26))
	require.True(t, b.Add(first))
	require.True(t, b.Add(first))
	require.True(t, b.Add(first))
	assert.Equal(t, 600000, b.Bytes)
	assert.False(t, b.Add(first))

	almost := mkEvent(t, 1, strings.Repeat("a", 200000-27))
	assert.True(t, b.Add(almost))
	assert.Equal(t, MaxBatchBytes-1, b.Bytes)
}

func TestBatch_TimeRange(t *testing.T) {
	b := &Batch{}
	require.True(t, b.Add(mkEvent(t, 0, "a")))
	assert.True(t, b.Add(mkEvent(t, 6*hourMillis-1, "b")))
	assert.False(t, b.Add(mkEvent(t, 6*hourMillis, "c")))
}

func TestBatch_OutOfOrderPanics(t *testing.T) {
	b := &Batch{}
	require.True(t, b.Add(mkEvent(t, 1000, "a")))
	assert.Panics(t, func() { b.Add(mkEvent(t, 999, "b")) })
}

func TestPartition_Empty(t *testing.T) {
	assert.Nil(t, Partition(nil))
}

func TestPartition_SevenHourGap(t *testing.T) {
	now := int64(1700000000000)
	events := []model.Event{
		mkEvent(t, now, "a"),
		mkEvent(t, now-7*hourMillis, "old"),
		mkEvent(t, now, "b"),
	}

	batches := Partition(events)
	require.Len(t, batches, 2)
	require.Len(t, batches[0].Records, 1)
	assert.Equal(t, "old", batches[0].Records[0].Message)
	require.Len(t, batches[1].Records, 2)
	assert.Equal(t, "a", batches[1].Records[0].Message)
	assert.Equal(t, "b", batches[1].Records[1].Message)

	// 입력은 변경되지 않는다
	assert.Equal(t, "a", events[0].Message)
}

func TestPartition_PreservesAllRecordsSorted(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	var events []model.Event
	for i := 0; i < 12000; i++ {
		ts := r.Int63n(20 * hourMillis)
		events = append(events, mkEvent(t, ts, strings.Repeat("m", r.Intn(300))))
	}

	batches := Partition(events)
	assertBatchLimits(t, batches)

	out := flatten(batches)
	require.Len(t, out, len(events))
	for i := 1; i < len(out); i++ {
		assert.LessOrEqual(t, out[i-1].Timestamp, out[i].Timestamp)
	}

	// multiset 비교: 같은 (timestamp, message) 개수
	count := map[model.Event]int{}
	for _, ev := range events {
		count[ev]++
	}
	for _, ev := range out {
		count[ev]--
	}
	for ev, n := range count {
		assert.Zero(t, n, "record %v", ev)
	}
}

func TestPartition_StableForEqualTimestamps(t *testing.T) {
	events := []model.Event{
		mkEvent(t, 5, "first"),
		mkEvent(t, 1, "early"),
		mkEvent(t, 5, "second"),
		mkEvent(t, 5, "third"),
	}

	out := flatten(Partition(events))
	require.Len(t, out, 4)
	assert.Equal(t, []string{"early", "first", "second", "third"},
		[]string{out[0].Message, out[1].Message, out[2].Message, out[3].Message})
}

func TestPartition_RecordCapSplits(t *testing.T) {
	var events []model.Event
	for i := 0; i < MaxBatchRecords*2+1; i++ {
		events = append(events, mkEvent(t, int64(i), "x"))
	}

	batches := Partition(events)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Records, MaxBatchRecords)
	assert.Len(t, batches[1].Records, MaxBatchRecords)
	assert.Len(t, batches[2].Records, 1)
}

func TestPartition_OversizeRecordStandsAlone(t *testing.T) {
	big, err := model.NewEvent(nil, []byte(strings.Repeat("z", MaxBatchBytes)), model.AllowOversize())
	require.NoError(t, err)
	big.Timestamp = 2

	events := []model.Event{mkEvent(t, 1, "a"), big, mkEvent(t, 3, "b")}

	batches := Partition(events)
	require.Len(t, batches, 3)
	assert.Equal(t, "a", batches[0].Records[0].Message)
	assert.Equal(t, big.WireSize, batches[1].Bytes)
	assert.Equal(t, "b", batches[2].Records[0].Message)
}
