package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cwlogd/internal/config"
	"cwlogd/internal/logger"
	"cwlogd/internal/metrics"
	"cwlogd/internal/queue"
	"cwlogd/internal/server"
	"cwlogd/internal/worker"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// 상세 내용은 이미 로컬 로그에 남았다
		os.Exit(1)
	}
}

type options struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "cwlogd",
		Short: "Host-local log shipping daemon",
		Long: `cwlogd accepts log events from local processes over a unix socket,
queues them in memory and uploads them in ordered batches to a remote
append-only log stream (CloudWatch Logs or an S3 archive).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", config.DefaultPath, "config file")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "override local_log_level (debug, info, warn, error)")
	return cmd
}

// status 는 init 스크립트가 읽는 상태 줄을 stdout 에 찍는다.
func status(msg string) {
	fmt.Fprintln(os.Stdout, "cwlogs: "+msg)
}

func run(ctx context.Context, opts options) error {

	// ====================================================================
	// Config & Logger 초기화
	// ====================================================================
	//
	// - Config: 기본값 → /etc/cwlogd.toml → CWLOGD_* 환경변수
	// - Logger: 로컬 진단 로그는 stderr (stdout 은 상태 줄 전용)
	// ====================================================================
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cwlogs:", err)
		return err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	logger.Init(cfg)

	status("starting...")
	log.Info().
		Str("group", cfg.GroupName).
		Str("stream", cfg.StreamName).
		Str("backend", cfg.Backend).
		Msg("starting")

	// ====================================================================
	// 소켓 bind
	// ====================================================================
	//
	// 이미 같은 이름으로 떠 있는 데몬이 있으면 조용히 성공 종료한다.
	// (init 스크립트/cron 이 여러 번 실행해도 안전)
	// ====================================================================
	ln, err := server.Listen(cfg.SocketName)
	if err != nil {
		if errors.Is(err, server.ErrAlreadyRunning) {
			status("already running")
			return nil
		}
		log.Error().Err(err).Msg("listen failed")
		return err
	}
	defer ln.Close()
	status("started ok")

	// ====================================================================
	// 원격 스트림 + Uploader
	// ====================================================================
	//
	// SDK retry 는 끄고, 재시도는 Uploader 가 retry_wait 간격으로 무한히 한다.
	// 스트림이 이미 있으면 그대로 사용한다.
	// ====================================================================
	m := metrics.New()
	q := queue.New(cfg.QueueCapacity)

	stream, err := worker.NewLogStream(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("remote stream setup failed")
		return err
	}

	up, err := worker.NewUploader(ctx, stream, worker.UploaderOptions{
		Backoff: backoff.NewConstantBackOff(cfg.RetryWait),
		Metrics: m,
	})
	if err != nil {
		log.Error().Err(err).Msg("uploader init failed")
		return err
	}

	flusher := worker.NewFlusher(worker.FlusherConfig{
		Interval:          cfg.FlushInterval,
		Heartbeats:        cfg.Heartbeats,
		HeartbeatInterval: cfg.HeartbeatEvery(),
		InstanceID:        cfg.InstanceID,
	}, q, up, m)

	acceptor := server.NewAcceptor(q, m, cfg.ReadTimeout)

	// ====================================================================
	// 실행 (errgroup)
	// ====================================================================
	//
	//  - request loop : 소켓 요청 → 큐
	//  - flush loop   : 큐 → 원격 스트림
	//  - metrics      : /metrics, /health (metrics_addr 설정 시)
	//
	// flush loop 가 에러로 끝나면 group ctx 가 취소되어 나머지도 멈추고
	// 프로세스는 exit 1 (supervisor 가 재시작).
	// ====================================================================
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return acceptor.Serve(gctx, ln) })
	g.Go(func() error { return flusher.Run(gctx) })

	if cfg.MetricsAddr != "" {
		srv := newMetricsServer(cfg.MetricsAddr, m, q)
		g.Go(func() error { return serveMetrics(gctx, srv) })
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("daemon stopped with error")
		return err
	}

	log.Info().Msg("shutdown complete")
	return nil
}

// newMetricsServer
//
// 엔드포인트:
//   - /metrics : prometheus 지표
//   - /health  : 큐 상태 JSON (로컬 감시용)
func newMetricsServer(addr string, m *metrics.Metrics, q *queue.Queue) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", healthHandler(q))

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func serveMetrics(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", srv.Addr, err)
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
