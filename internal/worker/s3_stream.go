// internal/worker/s3_stream.go
package worker

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"cwlogd/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	json "github.com/goccy/go-json"
)

// s3API 는 S3Stream 이 사용하는 S3 client 메서드 집합 (테스트에서 fake 로 대체).
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Stream
// ------------------------------------------------------------
// S3 버킷 위에 append-only 로그 스트림을 흉내 내는 백엔드.
// 배치 하나 = gzip+JSONL 객체 하나, 키에 seq 를 박아 순서를 보장한다.
// (키 규칙은 file_util.go 참고)
//
// CloudWatch 의 토큰 semantics 를 그대로 재현한다:
//   - token 위치가 비어 있음        → 객체 저장, 다음 토큰 = seq+1
//   - 같은 내용(MD5 = ETag)이 이미 있음 → AlreadyAcceptedError
//   - 다른 내용이 이미 있음          → StaleTokenError (다음 빈 seq)
//
// 주의: SSE-KMS 버킷은 ETag 가 MD5 가 아니므로 중복 감지가 되지 않고
// stale 로 처리된다 (같은 배치가 다음 seq 에 한 번 더 저장됨).
type S3Stream struct {
	client  s3API
	encoder *Encoder

	bucket string
	prefix string
	group  string
	stream string

	timeout time.Duration
}

// NewS3Client 는 AWS 지역 설정으로 S3 client 를 만든다.
// SDK 자체 retry 는 끈다. 재시도는 Uploader 가 전담한다.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
	}), nil
}

func NewS3Stream(client s3API, bucket, prefix, group, stream string, timeout time.Duration) *S3Stream {
	return &S3Stream{
		client:  client,
		encoder: NewEncoder(),
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		group:   group,
		stream:  stream,
		timeout: timeout,
	}
}

func (s *S3Stream) Describe() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, strings.TrimSuffix(streamKeyPrefix(s.prefix, s.group, s.stream), "/"))
}

// streamMarker 는 스트림 생성 시각을 기록하는 마커 객체 본문.
type streamMarker struct {
	Group     string `json:"group"`
	Stream    string `json:"stream"`
	CreatedAt int64  `json:"created_at"`
}

// CreateStream 은 마커 객체를 쓴다. 이미 있으면 ErrStreamExists.
func (s *S3Stream) CreateStream(ctx context.Context) error {
	key := streamKeyPrefix(s.prefix, s.group, s.stream) + streamMarkerName

	exists, _, err := s.head(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return ErrStreamExists
	}

	body, err := json.Marshal(streamMarker{
		Group:     s.group,
		Stream:    s.stream,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	return s.putObject(ctx, key, body, "application/json", "")
}

// PutEvents 는 token 위치(seq)에 배치 객체를 쓴다.
func (s *S3Stream) PutEvents(ctx context.Context, token string, events []model.Event) (string, error) {
	data, err := s.encoder.EncodeBatchJSONLGZ(events)
	if err != nil {
		return "", fmt.Errorf("encode batch: %w", err)
	}

	seq, err := parseToken(token)
	if err != nil {
		next, lerr := s.nextFreeSeq(ctx)
		if lerr != nil {
			return "", lerr
		}
		return "", &StaleTokenError{ExpectedToken: formatToken(next), Err: err}
	}

	key := BuildObjectKey(s.prefix, s.group, s.stream, seq)

	// ------------------------------------------------------------
	// 1) 해당 seq 가 이미 쓰였는지 확인
	// ------------------------------------------------------------
	exists, etag, err := s.head(ctx, key)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(data)

	if exists {
		// ------------------------------------------------------------
		// 2) 이미 있음 → 같은 내용인지(중복) / 다른 내용인지(stale) 판단
		// ------------------------------------------------------------
		next, err := s.nextFreeSeq(ctx)
		if err != nil {
			return "", err
		}
		if etag == hex.EncodeToString(sum[:]) {
			return "", &AlreadyAcceptedError{ExpectedToken: formatToken(next)}
		}
		return "", &StaleTokenError{ExpectedToken: formatToken(next)}
	}

	// ------------------------------------------------------------
	// 3) 비어 있음 → 저장
	// ------------------------------------------------------------
	if err := s.putObject(ctx, key, data, "application/x-ndjson", "gzip"); err != nil {
		return "", err
	}

	return formatToken(seq + 1), nil
}

// head 는 객체 존재 여부와 (따옴표를 뗀) ETag 를 반환한다.
func (s *S3Stream) head(ctx context.Context, key string) (bool, string, error) {
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.HeadObject(ctx2, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("head s3://%s/%s: %w", s.bucket, key, err)
	}

	return true, strings.Trim(aws.ToString(out.ETag), `"`), nil
}

// nextFreeSeq 는 스트림의 마지막 seq + 1 (객체가 없으면 0).
func (s *S3Stream) nextFreeSeq(ctx context.Context) (uint64, error) {
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(streamKeyPrefix(s.prefix, s.group, s.stream)),
	})

	var next uint64
	for p.HasMorePages() {
		page, err := p.NextPage(ctx2)
		if err != nil {
			return 0, fmt.Errorf("list s3://%s: %w", s.bucket, err)
		}
		for _, obj := range page.Contents {
			if seq, ok := parseObjectSeq(aws.ToString(obj.Key)); ok && seq+1 > next {
				next = seq + 1
			}
		}
	}
	return next, nil
}

// putObject
// ---------
// 실제 PutObject 호출. 1회 호출만 담당하고 시도당 timeout 을 건다.
// Content-MD5 를 함께 보내 S3 가 전송 중 손상을 거절하도록 한다.
func (s *S3Stream) putObject(ctx context.Context, key string, body []byte, contentType, contentEncoding string) error {
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sum := md5.Sum(body)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
	}
	if contentEncoding != "" {
		in.ContentEncoding = aws.String(contentEncoding)
	}

	if _, err := s.client.PutObject(ctx2, in); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey"
	}
	return false
}
