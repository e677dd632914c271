package worker

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"cwlogd/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 는 단일 버킷을 메모리에 흉내 낸다. ETag 는 본문 MD5.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = body
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{ETag: aws.String(etagOf(body))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ETag: aws.String(etagOf(body))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func etagOf(body []byte) string {
	sum := md5.Sum(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func gunzipLines(t *testing.T, body []byte) []string {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func newTestS3Stream(f *fakeS3) *S3Stream {
	return NewS3Stream(f, "archive", "/cwlogs/", "app", "i-1", time.Second)
}

func TestS3Stream_CreateStream(t *testing.T) {
	f := newFakeS3()
	s := newTestS3Stream(f)

	require.NoError(t, s.CreateStream(context.Background()))
	assert.Contains(t, f.objects, "cwlogs/app/i-1/_stream.json")

	assert.ErrorIs(t, s.CreateStream(context.Background()), ErrStreamExists)
	assert.Equal(t, "s3://archive/cwlogs/app/i-1", s.Describe())
}

func TestS3Stream_AppendChain(t *testing.T) {
	f := newFakeS3()
	s := newTestS3Stream(f)
	ctx := context.Background()

	next, err := s.PutEvents(ctx, "", []model.Event{mkEvent(t, 1, "a"), mkEvent(t, 2, "b")})
	require.NoError(t, err)
	assert.Equal(t, "1", next)

	next, err = s.PutEvents(ctx, next, []model.Event{mkEvent(t, 3, "c")})
	require.NoError(t, err)
	assert.Equal(t, "2", next)

	first := f.objects[BuildObjectKey("cwlogs", "app", "i-1", 0)]
	require.NotNil(t, first)
	assert.Equal(t, []string{
		`{"timestamp":1,"message":"a"}`,
		`{"timestamp":2,"message":"b"}`,
	}, gunzipLines(t, first))

	require.Len(t, f.puts, 2)
	assert.Equal(t, "gzip", aws.ToString(f.puts[0].ContentEncoding))
	assert.NotEmpty(t, aws.ToString(f.puts[0].ContentMD5))
}

func TestS3Stream_DuplicateIsAlreadyAccepted(t *testing.T) {
	f := newFakeS3()
	s := newTestS3Stream(f)
	ctx := context.Background()
	batch := []model.Event{mkEvent(t, 1, "a")}

	_, err := s.PutEvents(ctx, "", batch)
	require.NoError(t, err)
	_, err = s.PutEvents(ctx, "1", []model.Event{mkEvent(t, 2, "b")})
	require.NoError(t, err)

	// 응답 유실 후 같은 배치를 같은 토큰으로 재전송
	_, err = s.PutEvents(ctx, "", batch)
	var dup *AlreadyAcceptedError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "2", dup.ExpectedToken)
	assert.Len(t, f.puts, 2)
}

func TestS3Stream_StaleToken(t *testing.T) {
	f := newFakeS3()
	s := newTestS3Stream(f)
	ctx := context.Background()

	_, err := s.PutEvents(ctx, "", []model.Event{mkEvent(t, 1, "a")})
	require.NoError(t, err)

	// 다른 writer 가 없다고 믿고 처음부터 쓰려는 경우
	_, err = s.PutEvents(ctx, "", []model.Event{mkEvent(t, 2, "different")})
	var stale *StaleTokenError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "1", stale.ExpectedToken)

	next, err := s.PutEvents(ctx, stale.ExpectedToken, []model.Event{mkEvent(t, 2, "different")})
	require.NoError(t, err)
	assert.Equal(t, "2", next)
}

func TestS3Stream_GarbageTokenIsStale(t *testing.T) {
	f := newFakeS3()
	s := newTestS3Stream(f)

	_, err := s.PutEvents(context.Background(), "not-a-number", []model.Event{mkEvent(t, 1, "a")})
	var stale *StaleTokenError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "0", stale.ExpectedToken)
}

func TestS3Stream_PutFailureIsTransient(t *testing.T) {
	f := newFakeS3()
	f.putErr = errors.New("503 slow down")
	s := newTestS3Stream(f)

	_, err := s.PutEvents(context.Background(), "", []model.Event{mkEvent(t, 1, "a")})
	require.Error(t, err)

	var stale *StaleTokenError
	var dup *AlreadyAcceptedError
	assert.False(t, errors.As(err, &stale))
	assert.False(t, errors.As(err, &dup))
	assert.Contains(t, err.Error(), "503 slow down")
}

func TestS3Stream_WithUploader(t *testing.T) {
	f := newFakeS3()
	s := newTestS3Stream(f)

	u := newTestUploaderFor(t, s)
	now := int64(1700000000000)
	require.NoError(t, u.UploadEvents(context.Background(), []model.Event{
		mkEvent(t, now, "new"),
		mkEvent(t, now-7*hourMillis, "old"),
	}))
	assert.Equal(t, "2", u.Token())

	// 재시작된 Uploader 는 빈 토큰으로 시작해 stale 복구를 거친다
	u2 := newTestUploaderFor(t, s)
	require.NoError(t, u2.UploadEvents(context.Background(), []model.Event{mkEvent(t, now+1, "later")}))
	assert.Equal(t, "3", u2.Token())

	assert.Equal(t, []string{`{"timestamp":` + "1699974800000" + `,"message":"old"}`},
		gunzipLines(t, f.objects[BuildObjectKey("cwlogs", "app", "i-1", 0)]))
}

func newTestUploaderFor(t *testing.T, s LogStream) *Uploader {
	t.Helper()
	u, err := NewUploader(context.Background(), s, UploaderOptions{})
	require.NoError(t, err)
	return u
}
