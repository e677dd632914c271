// internal/worker/flusher.go
package worker

import (
	"context"
	"fmt"
	"time"

	"cwlogd/internal/metrics"
	"cwlogd/internal/model"
	"cwlogd/internal/queue"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// DefaultFlushInterval 은 성공한 flush 사이의 대기 시간.
const DefaultFlushInterval = time.Second

// EventUploader 는 Flusher 가 drain 결과를 넘기는 대상.
// 운영에서는 *Uploader.
type EventUploader interface {
	UploadEvents(ctx context.Context, events []model.Event) error
}

// FlusherConfig
//
// HeartbeatInterval 은 Heartbeats 가 true 일 때만 의미가 있다.
type FlusherConfig struct {
	Interval          time.Duration
	Heartbeats        bool
	HeartbeatInterval time.Duration
	InstanceID        string
}

// Flusher
// ------------------------------------------------------------
// 고정 주기로 큐를 drain 하고 Uploader 에 넘기는 루프.
//
// 한 tick 의 흐름:
//  1. 큐의 buffer / drop 카운터를 원자적으로 가져오고 비움 (O(1))
//  2. heartbeat 주기가 되었으면 heartbeat 이벤트 추가
//  3. drop 이 있었으면 drop 집계 이벤트 추가
//  4. UploadEvents 호출 (원격이 죽어 있으면 여기서 계속 머문다)
//
// tick 밖으로 빠져나오는 에러(panic 포함)는 치명적이다.
// Run 은 에러를 반환하고, 데몬은 프로세스를 종료해 supervisor 가
// 재시작하도록 한다. 반쯤 고장난 채로 큐만 쌓이는 상태를 피하기 위함.
type Flusher struct {
	cfg      FlusherConfig
	queue    *queue.Queue
	uploader EventUploader
	metrics  *metrics.Metrics

	sinceHeartbeat time.Duration
}

func NewFlusher(cfg FlusherConfig, q *queue.Queue, up EventUploader, m *metrics.Metrics) *Flusher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFlushInterval
	}
	return &Flusher{
		cfg:      cfg,
		queue:    q,
		uploader: up,
		metrics:  m,
	}
}

// Run 은 ctx 가 취소될 때까지 tick 을 반복한다.
// 정상 종료(ctx 취소)면 nil, tick 실패면 그 에러를 반환한다.
func (f *Flusher) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", f.cfg.Interval).
		Bool("heartbeats", f.cfg.Heartbeats).
		Msg("flush loop started")

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("flush loop stopped")
			return nil

		case <-ticker.C:
			if err := f.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error().Err(err).Msg("flush loop failed")
				return err
			}
		}
	}
}

// Tick 은 flush 한 번을 수행한다.
func (f *Flusher) Tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush tick panicked: %v", r)
		}
	}()

	if f.cfg.Heartbeats {
		f.sinceHeartbeat += f.cfg.Interval
	}
	log.Debug().Msg("checking queue")

	events, dropped := f.queue.Drain()
	found := len(events)
	if f.metrics != nil {
		f.metrics.QueueLength.Set(0)
	}

	log.Debug().Int("found", found).Msg("drained queue")

	if f.cfg.Heartbeats && f.sinceHeartbeat >= f.cfg.HeartbeatInterval {
		log.Info().Msg("sending heartbeat event")
		ev, err := f.heartbeatEvent(found)
		if err != nil {
			return fmt.Errorf("build heartbeat event: %w", err)
		}
		events = append(events, ev)
		f.sinceHeartbeat = 0
		if f.metrics != nil {
			f.metrics.Heartbeats.Inc()
		}
	}

	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("dropped events")
		ev, err := f.dropEvent(dropped)
		if err != nil {
			return fmt.Errorf("build drop event: %w", err)
		}
		events = append(events, ev)
		if f.metrics != nil {
			f.metrics.EventsDropped.Add(float64(dropped))
		}
	}

	return f.uploader.UploadEvents(ctx, events)
}

// auditRecord 는 데몬이 직접 만드는 감사 이벤트의 JSON 본문.
type auditRecord struct {
	Type       string        `json:"type"`
	Subtype    string        `json:"subtype"`
	Dropped    int           `json:"dropped,omitempty"`
	InstanceID *string       `json:"instance_id"`
	Health     *model.Health `json:"health,omitempty"`
}

const (
	subtypeHeartbeat = "cwlogs.heartbeat"
	subtypeDropped   = "cwlogs.dropped"
)

// heartbeatEvent 는 drain 직전 큐 길이를 담은 heartbeat.
func (f *Flusher) heartbeatEvent(queueLen int) (model.Event, error) {
	h := model.NewHealth(queueLen, f.queue.Capacity())
	return f.auditEvent(auditRecord{
		Type:    "audit",
		Subtype: subtypeHeartbeat,
		Health:  &h,
	})
}

// dropEvent 는 이번 tick 에 버려진 이벤트 수를 기록한다.
func (f *Flusher) dropEvent(dropped int) (model.Event, error) {
	return f.auditEvent(auditRecord{
		Type:    "audit",
		Subtype: subtypeDropped,
		Dropped: dropped,
	})
}

func (f *Flusher) auditEvent(rec auditRecord) (model.Event, error) {
	if f.cfg.InstanceID != "" {
		id := f.cfg.InstanceID
		rec.InstanceID = &id
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return model.Event{}, err
	}
	return model.NewEvent(nil, b)
}
