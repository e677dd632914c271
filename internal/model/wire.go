// internal/model/wire.go
package model

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

// 로컬 IPC 프로토콜
// ------------------------------------------------------------
// 연결 하나당 요청 하나. 요청/응답 모두 "\n" 으로 끝나는 단일 라인 JSON.
//
//	→ {"message": "...", "timestamp": 1700000000000}
//	← {"status":"ok","health":{"queue_length":3,"queue_percent_full":0.003}}
//	← {"status":"error","message":"..."}
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Health 는 큐 상태 스냅샷. 클라이언트가 backpressure 를 감지하는 용도.
type Health struct {
	QueueLength      int     `json:"queue_length"`
	QueuePercentFull float64 `json:"queue_percent_full"`
}

// NewHealth 는 큐 길이와 용량으로 Health 를 계산한다.
func NewHealth(length, capacity int) Health {
	h := Health{QueueLength: length}
	if capacity > 0 {
		h.QueuePercentFull = float64(length) / float64(capacity) * 100
	}
	return h
}

// Request 는 클라이언트 → 데몬 요청.
type Request struct {
	Message   string `json:"message"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

// Response 는 데몬 → 클라이언트 응답.
type Response struct {
	Status  string  `json:"status"`
	Health  *Health `json:"health,omitempty"`
	Message string  `json:"message,omitempty"`
}

// OKResponse / ErrorResponse 는 응답 생성 헬퍼.
func OKResponse(h Health) Response {
	return Response{Status: StatusOK, Health: &h}
}

func ErrorResponse(err error) Response {
	return Response{Status: StatusError, Message: err.Error()}
}

// DecodeRequest
// ------------------------------------------------------------
// 한 줄의 요청 바이트를 Event 로 변환한다.
//
//   - 라인 전체를 먼저 UTF-8 로 검증한다.
//     (JSON 디코더는 잘못된 바이트를 U+FFFD 로 바꿔버리므로 그 전에 거절)
//   - message 는 문자열, timestamp 는 정수 또는 null/생략.
//   - 그 외 검증은 NewEvent 에 위임.
func DecodeRequest(line []byte, opts ...EventOption) (Event, error) {
	line = bytes.TrimSuffix(line, []byte{'\n'})

	if !utf8.Valid(line) {
		return Event{}, ErrInvalidUTF8
	}

	var raw struct {
		Message   json.RawMessage `json:"message"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: malformed request: %v", ErrValidation, err)
	}

	if isNull(raw.Message) {
		return Event{}, ErrMissingMessage
	}
	var msg string
	if err := json.Unmarshal(raw.Message, &msg); err != nil {
		return Event{}, fmt.Errorf("%w: message must be a string", ErrInvalidType)
	}

	var ts *int64
	if !isNull(raw.Timestamp) {
		var v int64
		if err := json.Unmarshal(raw.Timestamp, &v); err != nil {
			return Event{}, fmt.Errorf("%w: timestamp must be an integer", ErrInvalidType)
		}
		ts = &v
	}

	return NewEvent(ts, []byte(msg), opts...)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// EncodeResponse 는 응답을 "\n" 으로 끝나는 단일 라인으로 직렬화한다.
func EncodeResponse(resp Response) ([]byte, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
