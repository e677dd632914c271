// Package client 는 cwlogd 데몬에 로그 이벤트를 보내는 Go 클라이언트.
//
//	c, _ := client.New()
//	resp, err := c.LogEvent(ctx, "user 42 logged in")
//
// 반환 시점은 데몬의 메모리 큐에 들어간 시점이다. 원격 저장 완료를 뜻하지 않는다.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
)

const (
	DefaultAddress = "@org.globus.cwlogs"
	DefaultRetries = 10
	DefaultWait    = 100 * time.Millisecond
)

// ErrInvalidMessage 는 보내기 전에 로컬에서 거절한 메시지.
var ErrInvalidMessage = errors.New("invalid message")

// ConnectionError 는 retries+1 번 시도해도 데몬에 연결하지 못했을 때.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("couldn't connect to cwlogd after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DaemonError 는 데몬이 돌려준 error 응답 (검증 실패, 큐 가득 참 등).
type DaemonError struct {
	Message string
}

func (e *DaemonError) Error() string {
	return "cwlogd error: " + e.Message
}

// Health 는 데몬 큐 상태 스냅샷.
type Health struct {
	QueueLength      int     `json:"queue_length"`
	QueuePercentFull float64 `json:"queue_percent_full"`
}

// Response 는 데몬의 성공 응답.
type Response struct {
	Status  string  `json:"status"`
	Health  *Health `json:"health,omitempty"`
	Message string  `json:"message,omitempty"`
}

type request struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Dialer 는 연결 생성 방법 (테스트에서 교체 가능). *net.Dialer 가 만족한다.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Option func(*Client)

func WithAddress(addr string) Option { return func(c *Client) { c.addr = addr } }

// WithRetries: 연결 실패 시 추가 시도 횟수 (총 시도 = retries+1).
func WithRetries(n int) Option { return func(c *Client) { c.retries = n } }

// WithWait: 연결 시도 사이 대기 시간.
func WithWait(d time.Duration) Option { return func(c *Client) { c.wait = d } }

func WithDialer(d Dialer) Option { return func(c *Client) { c.dialer = d } }

// Client 는 상태가 없으므로 여러 goroutine 에서 같이 써도 된다.
// 요청마다 새 연결을 연다.
type Client struct {
	addr    string
	retries int
	wait    time.Duration
	dialer  Dialer
	now     func() time.Time
}

func New(opts ...Option) (*Client, error) {
	c := &Client{
		addr:    DefaultAddress,
		retries: DefaultRetries,
		wait:    DefaultWait,
		dialer:  &net.Dialer{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.retries < 0 {
		return nil, fmt.Errorf("retries must be non-negative, got %d", c.retries)
	}
	if c.wait < 0 {
		return nil, fmt.Errorf("wait must be non-negative, got %s", c.wait)
	}
	return c, nil
}

// LogEvent 는 현재 시각으로 message 를 보낸다.
func (c *Client) LogEvent(ctx context.Context, message string) (*Response, error) {
	if !utf8.ValidString(message) {
		return nil, fmt.Errorf("%w: not valid utf-8", ErrInvalidMessage)
	}
	return c.send(ctx, request{
		Message:   message,
		Timestamp: c.now().UnixMilli(),
	})
}

// LogBytes 는 UTF-8 바이트열을 보낸다. 잘못된 UTF-8 은 보내지 않고 거절한다.
func (c *Client) LogBytes(ctx context.Context, message []byte) (*Response, error) {
	if !utf8.Valid(message) {
		return nil, fmt.Errorf("%w: not valid utf-8", ErrInvalidMessage)
	}
	return c.LogEvent(ctx, string(message))
}

func (c *Client) send(ctx context.Context, req request) (*Response, error) {
	buf, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	buf = append(buf, '\n')

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, &DaemonError{Message: fmt.Sprintf("unknown response %q", line)}
	}
	if resp.Status != "ok" {
		return nil, &DaemonError{Message: resp.Message}
	}
	return &resp, nil
}

// connect 는 최대 retries+1 번 연결을 시도하고, 시도 사이에 wait 만큼 쉰다.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.wait), uint64(c.retries)),
		ctx,
	)

	var conn net.Conn
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		var err error
		conn, err = c.dialer.DialContext(ctx, "unix", c.addr)
		return err
	}, policy)
	if err != nil {
		return nil, &ConnectionError{Attempts: attempts, Err: err}
	}
	return conn, nil
}
