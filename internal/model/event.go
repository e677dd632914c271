// internal/model/event.go
package model

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// CloudWatch Logs 가 레코드 하나에 부과하는 고정 오버헤드와
// 단일 이벤트 최대 크기(바이트).
const (
	EventOverheadBytes = 26
	MaxEventBytes      = 256 * 1024
)

// 이벤트 검증 오류.
// 모두 ErrValidation 을 감싸므로 호출자는 errors.Is(err, ErrValidation) 로
// "큐에 넣기 전에 거절된 요청" 여부만 판단하면 된다.
var (
	ErrValidation        = errors.New("invalid event")
	ErrInvalidUTF8       = fmt.Errorf("%w: message is not valid utf-8", ErrValidation)
	ErrInvalidType       = fmt.Errorf("%w: wrong field type", ErrValidation)
	ErrMissingMessage    = fmt.Errorf("%w: message is required", ErrValidation)
	ErrNegativeTimestamp = fmt.Errorf("%w: timestamp must be non-negative", ErrValidation)
	ErrMessageTooLarge   = fmt.Errorf("%w: message too large", ErrValidation)
)

// Event
// ------------------------------------------------------------
// 검증이 끝난 단일 로그 레코드.
// Acceptor(소켓 요청) 또는 Flusher(heartbeat / drop 집계)가 생성하며,
// 생성 이후에는 변경하지 않는다.
//
// WireSize 는 원격 API 가 배치 크기 계산에 사용하는 값
// (UTF-8 바이트 길이 + 26) 이며 직렬화 대상이 아니다.
type Event struct {
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
	Message   string `json:"message"`
	WireSize  int    `json:"-"`
}

type eventOptions struct {
	allowOversize bool
	now           func() time.Time
}

// EventOption 은 NewEvent 의 동작을 조정한다.
type EventOption func(*eventOptions)

// AllowOversize 는 MaxEventBytes 제한을 끈다. 테스트 전용.
func AllowOversize() EventOption {
	return func(o *eventOptions) { o.allowOversize = true }
}

// WithClock 은 timestamp 가 비어 있을 때 사용할 현재 시각 함수를 지정한다.
func WithClock(now func() time.Time) EventOption {
	return func(o *eventOptions) { o.now = now }
}

// NewEvent
// ------------------------------------------------------------
// raw message 와 timestamp(nil 이면 현재 시각 ms)로 Event 를 만든다.
//
// 검증 순서:
//  1. UTF-8 디코딩 (실패 시 ErrInvalidUTF8)
//  2. timestamp >= 0
//  3. WireSize 계산 후 MaxEventBytes 초과 여부 (AllowOversize 시 생략)
func NewEvent(timestamp *int64, message []byte, opts ...EventOption) (Event, error) {
	o := eventOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if !utf8.Valid(message) {
		return Event{}, ErrInvalidUTF8
	}

	var ts int64
	if timestamp == nil {
		ts = o.now().UnixMilli()
	} else {
		ts = *timestamp
	}
	if ts < 0 {
		return Event{}, ErrNegativeTimestamp
	}

	size := len(message) + EventOverheadBytes
	if size > MaxEventBytes && !o.allowOversize {
		return Event{}, fmt.Errorf("%w (%d bytes, limit %d)", ErrMessageTooLarge, size, MaxEventBytes)
	}

	return Event{
		Timestamp: ts,
		Message:   string(message),
		WireSize:  size,
	}, nil
}

// NewTextEvent 는 현재 시각으로 문자열 메시지 Event 를 만든다.
// Flusher 의 합성 이벤트(heartbeat, drop)에 사용한다.
func NewTextEvent(message string, opts ...EventOption) (Event, error) {
	return NewEvent(nil, []byte(message), opts...)
}
