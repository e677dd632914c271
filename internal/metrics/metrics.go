package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 요청 처리 결과 라벨 (EventsReceived{status})
const (
	StatusOK      = "ok"
	StatusInvalid = "invalid"
	StatusDropped = "dropped"
)

// 업로드 예외 라벨 (UploadErrors{kind})
const (
	KindStaleToken      = "stale_token"
	KindAlreadyAccepted = "already_accepted"
	KindTransient       = "transient"
)

// Metrics 는 데몬 상태를 나타내는 지표 모음이다.
// 각 인스턴스는 자신만의 Registry 를 가지므로 테스트끼리 충돌하지 않는다.
type Metrics struct {
	Registry *prometheus.Registry

	// ======================
	// 요청(Acceptor) 레벨 지표
	// ======================

	// EventsReceived
	// - 소켓으로 들어온 요청 수. status=ok|invalid|dropped
	// - dropped 가 증가하기 시작하면 업로드가 막혀 큐가 가득 찼다는 신호.
	EventsReceived *prometheus.CounterVec

	// QueueLength
	// - 마지막 push / drain 시점의 큐 길이 (gauge).
	QueueLength prometheus.Gauge

	// EventsDropped
	// - flush 시점에 집계된 drop 개수의 누적 합.
	// - EventsReceived{status="dropped"} 와 같은 값이어야 한다.
	EventsDropped prometheus.Counter

	// ======================
	// 업로드(Uploader) 레벨 지표
	// ======================

	// UploadBatches / UploadEvents
	// - 원격 스트림에 성공(또는 duplicate 로 인정)된 배치 수 / 이벤트 수.
	UploadBatches prometheus.Counter
	UploadEvents  prometheus.Counter

	// UploadErrors
	// - PutEvents 시도 중 발생한 예외 수. kind=stale_token|already_accepted|transient
	// - transient 가 계속 증가하면 원격 API 장애 또는 권한 문제.
	UploadErrors *prometheus.CounterVec

	// UploadDuration
	// - 배치 하나가 최종 성공하기까지 걸린 시간 (재시도 포함).
	UploadDuration prometheus.Histogram

	// Heartbeats
	// - 합성 heartbeat 이벤트 수.
	Heartbeats prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cwlogd_events_received_total",
			Help: "Total number of log event requests received over the local socket",
		}, []string{"status"}),

		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "cwlogd_queue_length",
			Help: "Number of events waiting in the in-memory queue",
		}),

		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "cwlogd_events_dropped_total",
			Help: "Total number of events dropped because the queue was full",
		}),

		UploadBatches: f.NewCounter(prometheus.CounterOpts{
			Name: "cwlogd_upload_batches_total",
			Help: "Total number of batches accepted by the remote stream",
		}),

		UploadEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "cwlogd_upload_events_total",
			Help: "Total number of events accepted by the remote stream",
		}),

		UploadErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cwlogd_upload_errors_total",
			Help: "Total number of failed append attempts by kind",
		}, []string{"kind"}),

		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cwlogd_upload_duration_seconds",
			Help:    "Time to upload one batch including retries",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),

		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Name: "cwlogd_heartbeats_total",
			Help: "Total number of heartbeat events emitted",
		}),
	}
}

// Handler 는 /metrics 엔드포인트 핸들러.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
