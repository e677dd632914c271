package worker

import (
	"cwlogd/internal/model"
	"cwlogd/internal/pool"

	json "github.com/goccy/go-json"
)

// Encoder 는 배치를 JSONL → gzip 형태로 직렬화한다. (S3 아카이브 백엔드 전용)
//
// 특징:
//   - goccy/go-json 기반 JSON 인코딩
//   - gzip.Writer + bytes.Buffer 재사용(pool 기반)
//   - 결과는 새로운 []byte 로 복사해 호출자에게 소유권을 넘김
//     (pool 버퍼를 그대로 반환하면 데이터 corruption 위험)
//   - 같은 입력이면 항상 같은 바이트열 (중복 append 감지에 사용)
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeBatchJSONLGZ 는 이벤트를 한 줄에 하나씩
// {"timestamp":...,"message":"..."} 로 인코딩한 뒤 gzip 압축해 반환한다.
func (e *Encoder) EncodeBatchJSONLGZ(events []model.Event) ([]byte, error) {
	buf := pool.GetBuffer()
	gz := pool.GetGzip(buf)

	enc := json.NewEncoder(gz)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			_ = gz.Close()
			pool.PutGzip(gz)
			pool.PutBuffer(buf)
			return nil, err
		}
	}

	// Close() 시 gzip footer 까지 써서 스트림이 완성된다.
	if err := gz.Close(); err != nil {
		pool.PutGzip(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	pool.PutGzip(gz)

	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)

	pool.PutBuffer(buf)

	return data, nil
}
