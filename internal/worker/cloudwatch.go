// internal/worker/cloudwatch.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cwlogd/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog/log"
)

// EMF(Embedded Metric Format) 로그임을 CloudWatch 에 알리는 헤더.
const (
	emfHeader = "x-amzn-logs-format"
	emfValue  = "json/emf"
)

// cloudWatchAPI 는 CloudWatchStream 이 사용하는 메서드 집합 (테스트에서 fake 로 대체).
type cloudWatchAPI interface {
	CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchStream
// ------------------------------------------------------------
// CloudWatch Logs 의 (group, stream) 하나.
//
// 에러 매핑:
//   - InvalidSequenceTokenException  → *StaleTokenError
//   - DataAlreadyAcceptedException   → *AlreadyAcceptedError
//   - ResourceAlreadyExistsException → ErrStreamExists (CreateStream)
//
// 그 외 에러는 감싸서 그대로 반환 (Uploader 가 backoff 후 재시도).
type CloudWatchStream struct {
	client cloudWatchAPI

	group  string
	stream string

	timeout time.Duration
	emf     bool
}

// NewCloudWatchClient 는 SDK 자체 retry 를 끈 CloudWatch Logs client 를 만든다.
// 재시도는 Uploader 가 토큰 상태와 함께 관리한다.
func NewCloudWatchClient(ctx context.Context, region string) (*cloudwatchlogs.Client, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return cloudwatchlogs.NewFromConfig(awsCfg, func(o *cloudwatchlogs.Options) {
		o.Retryer = aws.NopRetryer{}
	}), nil
}

func NewCloudWatchStream(client cloudWatchAPI, group, stream string, timeout time.Duration, emf bool) *CloudWatchStream {
	return &CloudWatchStream{
		client:  client,
		group:   group,
		stream:  stream,
		timeout: timeout,
		emf:     emf,
	}
}

func (c *CloudWatchStream) Describe() string {
	return "cloudwatch:" + c.group + "/" + c.stream
}

func (c *CloudWatchStream) CreateStream(ctx context.Context) error {
	ctx2, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.client.CreateLogStream(ctx2, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(c.group),
		LogStreamName: aws.String(c.stream),
	})
	if err == nil {
		return nil
	}

	var exists *cwtypes.ResourceAlreadyExistsException
	if errors.As(err, &exists) {
		return ErrStreamExists
	}
	return fmt.Errorf("create log stream: %w", err)
}

// PutEvents
// ------------------------------------------------------------
// 배치 하나를 PutLogEvents 로 올린다.
// token 이 비어 있으면 SequenceToken 을 보내지 않는다 (새 스트림).
func (c *CloudWatchStream) PutEvents(ctx context.Context, token string, events []model.Event) (string, error) {
	logEvents := make([]cwtypes.InputLogEvent, len(events))
	for i := range events {
		logEvents[i] = cwtypes.InputLogEvent{
			Message:   aws.String(events[i].Message),
			Timestamp: aws.Int64(events[i].Timestamp),
		}
	}

	in := &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(c.group),
		LogStreamName: aws.String(c.stream),
		LogEvents:     logEvents,
	}
	if token != "" {
		in.SequenceToken = aws.String(token)
	}

	var optFns []func(*cloudwatchlogs.Options)
	if c.emf {
		optFns = append(optFns, withHeader(emfHeader, emfValue))
	}

	ctx2, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.client.PutLogEvents(ctx2, in, optFns...)
	if err != nil {
		return "", mapPutError(err)
	}

	if r := out.RejectedLogEventsInfo; r != nil {
		log.Warn().
			Interface("too_new_start", r.TooNewLogEventStartIndex).
			Interface("too_old_end", r.TooOldLogEventEndIndex).
			Interface("expired_end", r.ExpiredLogEventEndIndex).
			Msg("remote rejected some log events")
	}

	return aws.ToString(out.NextSequenceToken), nil
}

// mapPutError 는 SDK 에러를 Uploader 가 이해하는 typed error 로 바꾼다.
func mapPutError(err error) error {
	var stale *cwtypes.InvalidSequenceTokenException
	if errors.As(err, &stale) {
		return &StaleTokenError{ExpectedToken: aws.ToString(stale.ExpectedSequenceToken), Err: err}
	}

	var dup *cwtypes.DataAlreadyAcceptedException
	if errors.As(err, &dup) {
		return &AlreadyAcceptedError{ExpectedToken: aws.ToString(dup.ExpectedSequenceToken), Err: err}
	}

	return fmt.Errorf("put log events: %w", err)
}

// withHeader 는 요청 하나에만 HTTP 헤더를 추가하는 per-call option.
func withHeader(key, value string) func(*cloudwatchlogs.Options) {
	return func(o *cloudwatchlogs.Options) {
		o.APIOptions = append(o.APIOptions, smithyhttp.AddHeaderValue(key, value))
	}
}
