package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// S3 아카이브 백엔드는 flush 마다 배치를 JSONL + gzip 으로 인코딩한다.
// 배치 하나가 최대 800KB 이므로 매번 버퍼 / gzip.Writer 를 새로 만들면
// GC 부담이 크다. 아래 Pool 들은 그 재사용용이다.
//
// 소켓 요청 처리 경로는 요청당 한 줄만 읽으므로 pool 을 쓰지 않는다.
// ---------------------------------------------------------------

var (
	// BufferPool:
	//   - gzip 인코딩 결과를 담는 임시 버퍼
	//   - 초기 용량 256KB (압축된 배치 대부분을 수용)
	//   - MaxBufferCap 초과 버퍼는 풀에 넣지 않음
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용 (매번 new 하면 비용 매우 큼)
	//   - BestSpeed: 업로드 지연을 줄이는 쪽을 우선
	//   - 헤더에 ModTime/Name 을 쓰지 않으므로 같은 입력은 항상 같은 출력
	//     (S3 백엔드의 중복 감지가 여기에 의존)
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Pool에 되돌려줄 최대 버퍼 용량.
// 이보다 큰 버퍼는 GC 에게 맡겨 메모리 폭주를 막는다.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// GetBuffer 는 비어 있는 버퍼를 꺼낸다.
func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer:
//   - MaxBufferCap 이하이면 풀에 재사용
//   - 초대형 버퍼는 풀로 돌리지 않음
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

// GetGzip 은 w 로 출력하도록 reset 된 gzip.Writer 를 꺼낸다.
func GetGzip(w *bytes.Buffer) *gzip.Writer {
	gz := GzipPool.Get().(*gzip.Writer)
	gz.Reset(w)
	return gz
}

// PutGzip 은 gzip.Writer 를 풀에 반환한다.
func PutGzip(gz *gzip.Writer) {
	GzipPool.Put(gz)
}
