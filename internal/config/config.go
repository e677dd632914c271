// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// DefaultPath 는 데몬 설정 파일 기본 위치.
	DefaultPath = "/etc/cwlogd.toml"

	// ServiceName 은 로컬 로그의 "service" 필드 값.
	ServiceName = "cwlogd"

	// EnvPrefix: CWLOGD_GROUP_NAME 처럼 키 이름 앞에 붙는다.
	EnvPrefix = "CWLOGD"

	BackendCloudWatch = "cloudwatch"
	BackendS3         = "s3"
)

// Config
//
// 데몬 실행 시 필요한 모든 설정 값을 보관하는 구조체.
// 모든 값은 프로세스 시작 시점에 Load() 에 의해 초기화되며,
// 이후에는 변경되지 않는 불변(read-only) 설정들이다.
//
// 설정 파일은 TOML 이고 모든 키는 [general] 테이블 아래에 둔다:
//
//	[general]
//	group_name = "app-logs"
//	heartbeats = true
//	heartbeat_interval = 60
type Config struct {

	// ---------------------------
	// 원격 로그 스트림
	// ---------------------------

	GroupName  string `mapstructure:"group_name"`  // 로그 그룹 (필수)
	StreamName string `mapstructure:"stream_name"` // 로그 스트림 (기본: 인스턴스 ID)
	AWSRegion  string `mapstructure:"aws_region"`  // AWS 리전 (예: us-east-1)

	Backend  string `mapstructure:"backend"`   // cloudwatch | s3
	S3Bucket string `mapstructure:"s3_bucket"` // backend=s3 일 때 필수
	S3Prefix string `mapstructure:"s3_prefix"` // 아카이브 객체 key prefix

	// EMF: PutLogEvents 에 x-amzn-logs-format: json/emf 헤더를 붙일지 여부
	EMF bool `mapstructure:"emf"`

	// ---------------------------
	// Heartbeat
	// ---------------------------

	Heartbeats        bool `mapstructure:"heartbeats"`
	HeartbeatInterval int  `mapstructure:"heartbeat_interval"` // 초 단위

	// ---------------------------
	// 데몬 동작 파라미터
	// ---------------------------

	SocketName    string        `mapstructure:"socket_name"`    // '@' 로 시작하면 abstract unix socket
	QueueCapacity int           `mapstructure:"queue_capacity"` // 큐 최대 길이
	FlushInterval time.Duration `mapstructure:"flush_interval"` // flush tick 주기
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`   // 연결당 요청 읽기 제한 시간

	// ---------------------------
	// 원격 호출
	// ---------------------------
	// AWS SDK 자체 retry 는 항상 끈다.
	// 재시도는 Uploader 가 순서 토큰과 함께 관리하며, 한도 없이 RetryWait 간격으로 반복한다.

	RetryWait     time.Duration `mapstructure:"retry_wait"`     // 일시적 장애 후 재시도 간격
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"` // 원격 호출 1회당 timeout

	// ---------------------------
	// 로컬 로그 / 메트릭
	// ---------------------------

	LogLevel    string `mapstructure:"local_log_level"`
	LogPretty   bool   `mapstructure:"log_pretty"`
	LogSampleN  uint32 `mapstructure:"log_sample_n"`
	MetricsAddr string `mapstructure:"metrics_addr"` // 비어 있으면 메트릭 HTTP 서버를 띄우지 않음

	// ---------------------------
	// 파생 값 (설정 파일에서 읽지 않음)
	// ---------------------------

	ServiceName string `mapstructure:"-"`
	InstanceID  string `mapstructure:"-"` // cloud-init 인스턴스 ID, 없으면 ""
	HostID      string `mapstructure:"-"` // 로컬 로그용 식별자 (InstanceID → hostname → uuid)
}

// HeartbeatEvery 는 HeartbeatInterval 을 time.Duration 으로 돌려준다.
func (c *Config) HeartbeatEvery() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// cloud-init 이 현재 인스턴스 디렉토리를 가리키도록 만드는 심볼릭 링크.
var cloudInstanceLink = "/var/lib/cloud/instance"

// 파일 키 → 기본값. env 바인딩도 이 목록을 기준으로 한다.
var defaults = map[string]any{
	"group_name":         "",
	"stream_name":        "",
	"aws_region":         "us-east-1",
	"backend":            BackendCloudWatch,
	"s3_bucket":          "",
	"s3_prefix":          "cwlogs",
	"emf":                true,
	"heartbeats":         false,
	"heartbeat_interval": 60,
	"socket_name":        "@org.globus.cwlogs",
	"queue_capacity":     100000,
	"flush_interval":     "1s",
	"read_timeout":       "5s",
	"retry_wait":         "3s",
	"remote_timeout":     "30s",
	"local_log_level":    "info",
	"log_pretty":         false,
	"log_sample_n":       0,
	"metrics_addr":       "",
}

// Load
// ------------------------------------------------------------
// 기본값 → 설정 파일 → 환경 변수 순으로 덮어쓴 Config 를 만든다.
//
//   - path 가 비어 있으면 DefaultPath 를 사용한다.
//   - 파일이 없으면 기본값 + 환경 변수만으로 진행한다.
//   - 파생 값(InstanceID, 기본 StreamName)을 채운 뒤 Validate 한다.
func Load(path string) (*Config, error) {
	v := viper.New()

	for key, val := range defaults {
		v.SetDefault("general."+key, val)
		// CWLOGD_GROUP_NAME → general.group_name
		if err := v.BindEnv("general."+key, EnvPrefix+"_"+strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		// 설정 파일 없음: 기본값 + env 로 진행
	}

	var root struct {
		General Config `mapstructure:"general"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg := root.General
	cfg.ServiceName = ServiceName
	cfg.InstanceID = cloudInstanceID(cloudInstanceLink)
	cfg.HostID = fallbackHostID(cfg.InstanceID)

	if cfg.StreamName == "" {
		cfg.StreamName = cfg.InstanceID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ErrInvalidConfig 는 Validate 실패를 감싸는 sentinel.
var ErrInvalidConfig = errors.New("invalid config")

// Validate 는 필수 값과 값 범위를 확인한다.
func (c *Config) Validate() error {
	var errs []error

	if c.GroupName == "" {
		errs = append(errs, errors.New("group_name is required"))
	}
	if c.StreamName == "" {
		errs = append(errs, fmt.Errorf("stream_name is required when no instance id is found in %s", cloudInstanceLink))
	}

	switch c.Backend {
	case BackendCloudWatch:
	case BackendS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("s3_bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	if c.SocketName == "" {
		errs = append(errs, errors.New("socket_name must not be empty"))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, errors.New("queue_capacity must be positive"))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush_interval must be positive"))
	}
	if c.Heartbeats && c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive when heartbeats are enabled"))
	}
	if c.RemoteTimeout <= 0 {
		errs = append(errs, errors.New("remote_timeout must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// cloudInstanceID
//
// cloud-init 은 link → /var/lib/cloud/instances/<instance-id> 를 만든다.
// 링크의 마지막 경로 요소가 EC2 인스턴스 ID. 링크가 없으면 "".
func cloudInstanceID(link string) string {
	target, err := os.Readlink(link)
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// fallbackHostID
//
// 로컬 로그에서 이 데몬을 식별하는 값.
//   - 기본: 인스턴스 ID
//   - 없으면 hostname
//   - 그것도 실패하면 랜덤 uuid
func fallbackHostID(instanceID string) string {
	if instanceID != "" {
		return instanceID
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return uuid.NewString()
}
