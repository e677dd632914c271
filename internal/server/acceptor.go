package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"cwlogd/internal/metrics"
	"cwlogd/internal/model"
	"cwlogd/internal/queue"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultReadTimeout 은 연결 하나가 요청 라인을 다 보낼 때까지 기다리는 최대 시간.
const DefaultReadTimeout = 5 * time.Second

// ErrNoData 는 클라이언트가 요청 라인을 끝내기 전에 연결을 닫았을 때.
var ErrNoData = errors.New("no data")

// Acceptor
// ------------------------------------------------------------
// 로컬 소켓으로 들어오는 요청을 처리하는 프론트엔드.
//
// 요청 처리 흐름 (연결 하나 = 요청 하나):
//  1. "\n" 까지 한 줄 읽기 (길이 제한 없음, 시간 제한만 있음)
//  2. Event 로 검증/변환 (model.DecodeRequest)
//  3. 큐에 push (가득 차면 drop 카운트 후 에러 응답)
//  4. 상태 + health 스냅샷 응답
//
// 운영 상 의미:
//   - 연결은 한 번에 하나씩 순서대로 처리한다. push 는 절대 block 하지
//     않으므로 요청 하나의 비용은 작고 일정하다.
//   - 어떤 요청의 실패(검증 실패, 도중 끊김, panic)도 루프를 멈추지 않는다.
type Acceptor struct {
	queue       *queue.Queue
	metrics     *metrics.Metrics
	readTimeout time.Duration
}

func NewAcceptor(q *queue.Queue, m *metrics.Metrics, readTimeout time.Duration) *Acceptor {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Acceptor{
		queue:       q,
		metrics:     m,
		readTimeout: readTimeout,
	}
}

// Serve 는 ctx 가 취소될 때까지 ln 에서 연결을 받아 처리한다.
// ctx 취소 시 ln 을 닫고 nil 을 반환한다.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	log.Info().Str("addr", ln.Addr().String()).Msg("request loop started")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("request loop stopped")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed: %w", err)
			}
			// 일시적인 accept 실패 (EMFILE 등): 다음 연결로 진행
			log.Warn().Err(err).Msg("accept failed")
			continue
		}

		a.handleConn(conn)
	}
}

// handleConn 은 연결 하나를 처리하고 닫는다. panic 도 여기서 멈춘다.
func (a *Acceptor) handleConn(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("unhandled in request handler")
		}
	}()

	logger := log.Logger
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		logger = withPeer(logger, conn)
		logger.Debug().Msg("accepted connection")
	}

	_ = conn.SetDeadline(time.Now().Add(a.readTimeout))

	line, err := readLine(conn)
	var resp model.Response
	if err != nil {
		logger.Warn().Err(err).Msg("request read failed")
		resp = model.ErrorResponse(err)
	} else {
		resp = a.handle(logger, line)
	}

	out, err := model.EncodeResponse(resp)
	if err != nil {
		logger.Error().Err(err).Msg("encode response")
		return
	}
	if _, err := conn.Write(out); err != nil {
		// 클라이언트가 응답 전에 떠난 경우
		logger.Debug().Err(err).Msg("write response")
	}
}

// Handle 은 요청 한 줄을 처리해 응답을 만든다.
func (a *Acceptor) Handle(line []byte) model.Response {
	return a.handle(log.Logger, line)
}

func (a *Acceptor) handle(logger zerolog.Logger, line []byte) model.Response {
	ev, err := model.DecodeRequest(line)
	if err != nil {
		logger.Info().Err(err).Msg("rejected invalid event")
		a.countReceived(metrics.StatusInvalid)
		return model.ErrorResponse(err)
	}

	// debug 레벨이면 수신 이벤트를 로컬에도 남긴다
	logger.Debug().Msgf("%d %s", ev.Timestamp, ev.Message)

	if err := a.queue.Push(ev); err != nil {
		logger.Warn().Err(err).Int("queue_length", a.queue.Len()).Msg("dropping event")
		a.countReceived(metrics.StatusDropped)
		return model.ErrorResponse(err)
	}

	a.countReceived(metrics.StatusOK)
	if a.metrics != nil {
		a.metrics.QueueLength.Set(float64(a.queue.Len()))
	}
	return model.OKResponse(a.queue.Health())
}

func (a *Acceptor) countReceived(status string) {
	if a.metrics != nil {
		a.metrics.EventsReceived.WithLabelValues(status).Inc()
	}
}

// readLine 은 "\n" 으로 끝나는 한 줄을 읽는다 (구분자 포함).
// 줄이 끝나기 전에 EOF 가 오면 ErrNoData.
func readLine(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: connection closed after %d bytes", ErrNoData, len(line))
		}
		return nil, fmt.Errorf("read request: %w", err)
	}
	return line, nil
}
