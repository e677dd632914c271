// internal/worker/uploader.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cwlogd/internal/metrics"
	"cwlogd/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// DefaultRetryWait 는 일시적 장애 후 같은 배치를 다시 시도하기 전 대기 시간.
const DefaultRetryWait = 3 * time.Second

// UploaderOptions
//
// Backoff 가 nil 이면 DefaultRetryWait 고정 간격을 사용한다.
// 테스트에서는 backoff.ZeroBackOff 등으로 대기를 없앨 수 있다.
type UploaderOptions struct {
	Backoff backoff.BackOff
	Metrics *metrics.Metrics
}

// Uploader
// ------------------------------------------------------------
// 스트림 하나의 순서 토큰을 소유하고, 배치를 시간 순서대로
// 하나씩 업로드한다.
//
// 토큰 상태:
//
//	no_token ──append ok──▶ have_token(next)
//	have_token(t) ──stale──▶ have_token(expected) → 같은 배치 즉시 재시도
//	have_token(t) ──dup────▶ have_token(expected) → 배치 완료
//
// 토큰은 단일 커서이므로 업로드는 절대 병렬로 하지 않는다.
// Flusher goroutine 에서만 호출해야 한다.
type Uploader struct {
	stream  LogStream
	token   string
	backoff backoff.BackOff
	metrics *metrics.Metrics
}

// NewUploader 는 스트림을 생성(이미 있으면 그대로 사용)하고 토큰 없이 시작한다.
func NewUploader(ctx context.Context, stream LogStream, opts UploaderOptions) (*Uploader, error) {
	log.Info().Str("stream", stream.Describe()).Msg("uploader init")

	if err := stream.CreateStream(ctx); err != nil && !errors.Is(err, ErrStreamExists) {
		return nil, fmt.Errorf("create stream %s: %w", stream.Describe(), err)
	}

	b := opts.Backoff
	if b == nil {
		b = backoff.NewConstantBackOff(DefaultRetryWait)
	}

	return &Uploader{
		stream:  stream,
		backoff: b,
		metrics: opts.Metrics,
	}, nil
}

// Token 은 현재 순서 토큰 (빈 문자열 = 아직 없음).
func (u *Uploader) Token() string {
	return u.token
}

// UploadEvents
// ------------------------------------------------------------
// events 를 정렬/분할한 뒤 배치를 오름차순으로 순차 업로드한다.
// 빈 목록은 no-op.
//
// 배치마다 성공할 때까지 무한히 재시도하므로, 반환되는 에러는
// ctx 취소뿐이다.
func (u *Uploader) UploadEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	for _, b := range Partition(events) {
		log.Debug().
			Int("bytes", b.Bytes).
			Int("records", len(b.Records)).
			Msg("flushing batch")

		if err := u.flushBatch(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// flushBatch 는 배치 하나를 성공(또는 duplicate 인정)할 때까지 재시도한다.
func (u *Uploader) flushBatch(ctx context.Context, b *Batch) error {
	if len(b.Records) == 0 {
		return errors.New("cannot flush an empty batch")
	}

	start := time.Now()
	u.backoff.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		next, err := u.stream.PutEvents(ctx, u.token, b.Records)

		var stale *StaleTokenError
		var dup *AlreadyAcceptedError

		switch {
		case err == nil:
			log.Debug().Msg("flush ok")
			u.token = next
			u.observeSuccess(b, start)
			return nil

		case errors.As(err, &dup):
			// 응답 유실 후 재시도 등으로 이미 저장된 배치.
			log.Warn().Err(err).Msg("batch already accepted")
			if dup.ExpectedToken != "" {
				u.token = dup.ExpectedToken
			}
			u.countError(metrics.KindAlreadyAccepted)
			u.observeSuccess(b, start)
			return nil

		case errors.As(err, &stale):
			u.token = stale.ExpectedToken
			log.Info().Str("sequence_token", u.token).Msg("invalid sequence token, retrying with expected token")
			u.countError(metrics.KindStaleToken)
			continue

		default:
			log.Error().Err(err).Str("stream", u.stream.Describe()).Msg("upload failed")
			u.countError(metrics.KindTransient)

			wait := u.backoff.NextBackOff()
			if wait == backoff.Stop {
				// 정책이 소진되어도 포기하지 않는다.
				wait = DefaultRetryWait
			}
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
		}
	}
}

func (u *Uploader) observeSuccess(b *Batch, start time.Time) {
	if u.metrics == nil {
		return
	}
	u.metrics.UploadBatches.Inc()
	u.metrics.UploadEvents.Add(float64(len(b.Records)))
	u.metrics.UploadDuration.Observe(time.Since(start).Seconds())
}

func (u *Uploader) countError(kind string) {
	if u.metrics != nil {
		u.metrics.UploadErrors.WithLabelValues(kind).Inc()
	}
}

// sleepCtx 는 d 만큼 대기하되 ctx 취소 시 즉시 반환한다.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
