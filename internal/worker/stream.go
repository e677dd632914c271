// internal/worker/stream.go
package worker

import (
	"context"
	"errors"
	"fmt"

	"cwlogd/internal/model"
)

// LogStream
// ------------------------------------------------------------
// (group, stream) 하나에 대한 append-only 원격 로그.
//
// PutEvents 는 순서 토큰(token, 빈 문자열 = 새 스트림의 첫 append)과
// 정렬된 이벤트 배치를 받아 다음 토큰을 돌려준다.
// 특수한 결과는 반드시 아래 typed error 로 돌려줘야 Uploader 가 복구할 수 있다:
//   - *StaleTokenError      : token 이 원격 커서와 다름 → 즉시 재시도
//   - *AlreadyAcceptedError : 같은 payload 가 이미 저장됨 → 성공으로 간주
//
// 그 외 에러는 모두 일시적 장애로 보고 backoff 후 재시도한다.
type LogStream interface {
	// CreateStream 은 스트림을 만든다. 이미 있으면 ErrStreamExists.
	CreateStream(ctx context.Context) error
	PutEvents(ctx context.Context, token string, events []model.Event) (string, error)
	// Describe 는 로그용 식별자 (예: "cloudwatch:group/stream").
	Describe() string
}

// ErrStreamExists 는 CreateStream 대상이 이미 존재할 때 반환된다.
var ErrStreamExists = errors.New("log stream already exists")

// StaleTokenError 는 원격이 기대하는 다음 토큰을 담는다.
type StaleTokenError struct {
	ExpectedToken string
	Err           error
}

func (e *StaleTokenError) Error() string {
	return fmt.Sprintf("stale sequence token, expected %q", e.ExpectedToken)
}

func (e *StaleTokenError) Unwrap() error { return e.Err }

// AlreadyAcceptedError 는 같은 배치가 이미 저장되었음을 뜻한다.
type AlreadyAcceptedError struct {
	ExpectedToken string
	Err           error
}

func (e *AlreadyAcceptedError) Error() string {
	return fmt.Sprintf("batch already accepted, next token %q", e.ExpectedToken)
}

func (e *AlreadyAcceptedError) Unwrap() error { return e.Err }
