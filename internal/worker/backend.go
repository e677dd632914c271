// internal/worker/backend.go
package worker

import (
	"context"
	"fmt"

	"cwlogd/internal/config"
)

// NewLogStream 은 설정의 backend 값에 맞는 LogStream 을 만든다.
func NewLogStream(ctx context.Context, cfg *config.Config) (LogStream, error) {
	switch cfg.Backend {
	case config.BackendCloudWatch:
		client, err := NewCloudWatchClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		return NewCloudWatchStream(client, cfg.GroupName, cfg.StreamName, cfg.RemoteTimeout, cfg.EMF), nil

	case config.BackendS3:
		client, err := NewS3Client(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		return NewS3Stream(client, cfg.S3Bucket, cfg.S3Prefix, cfg.GroupName, cfg.StreamName, cfg.RemoteTimeout), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
