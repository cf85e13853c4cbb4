package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/ramiqadoumi/flowgate/internal/admission"
	"github.com/ramiqadoumi/flowgate/internal/breaker"
	"github.com/ramiqadoumi/flowgate/internal/config"
	"github.com/ramiqadoumi/flowgate/internal/events"
	"github.com/ramiqadoumi/flowgate/internal/handlers"
	"github.com/ramiqadoumi/flowgate/internal/httpapi"
	"github.com/ramiqadoumi/flowgate/internal/postgres"
	"github.com/ramiqadoumi/flowgate/internal/queue"
	"github.com/ramiqadoumi/flowgate/internal/quota"
	"github.com/ramiqadoumi/flowgate/internal/ratelimit"
	redisstore "github.com/ramiqadoumi/flowgate/internal/redis"
	"github.com/ramiqadoumi/flowgate/internal/scheduler"
	"github.com/ramiqadoumi/flowgate/internal/worker"
	"github.com/ramiqadoumi/flowgate/pkg/backoff"
	"github.com/ramiqadoumi/flowgate/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flowgate server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", ":8080", "HTTP API listen address")
	serveCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty logs events instead")
	serveCmd.Flags().String("event-topic", "flowgate.events", "Kafka topic for operational events")
	serveCmd.Flags().String("smtp-host", "localhost", "SMTP server host")
	serveCmd.Flags().Int("smtp-port", 1025, "SMTP server port")
	serveCmd.Flags().String("smtp-from", "noreply@flowgate.dev", "SMTP sender address")
	serveCmd.Flags().String("smtp-username", "", "SMTP auth username")
	serveCmd.Flags().String("smtp-password", "", "SMTP auth password or app password")
	serveCmd.Flags().Int("worker-count", 4, "number of concurrent workers")
	serveCmd.Flags().Duration("poll-interval", 250*time.Millisecond, "worker idle poll interval")
	serveCmd.Flags().Duration("job-timeout", 30*time.Second, "per-job execution timeout")
	serveCmd.Flags().Int("max-retries", 3, "default maximum retry attempts per job")
	serveCmd.Flags().Duration("base-delay", time.Second, "base retry backoff delay")
	serveCmd.Flags().Duration("max-delay", 5*time.Minute, "retry backoff ceiling")
	serveCmd.Flags().Duration("lease-ttl", time.Minute, "worker lease duration before a job is reclaimed")
	serveCmd.Flags().Float64("global-rate", 500, "global admission rate in requests per second; 0 disables")
	serveCmd.Flags().Int("global-burst", 100, "global admission burst size")
	serveCmd.Flags().Int("tenant-per-minute", 60, "per-tenant requests per minute; 0 disables")
	serveCmd.Flags().Int("tenant-per-hour", 1000, "per-tenant requests per hour; 0 disables")
	serveCmd.Flags().Int64("jobs-per-day", 10000, "per-tenant daily job quota; 0 disables")

	bindFlag("http_addr", serveCmd.Flags(), "http-addr")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("event_topic", serveCmd.Flags(), "event-topic")
	bindFlag("smtp_host", serveCmd.Flags(), "smtp-host")
	bindFlag("smtp_port", serveCmd.Flags(), "smtp-port")
	bindFlag("smtp_from", serveCmd.Flags(), "smtp-from")
	bindFlag("smtp_username", serveCmd.Flags(), "smtp-username")
	bindFlag("smtp_password", serveCmd.Flags(), "smtp-password")
	bindFlag("worker_count", serveCmd.Flags(), "worker-count")
	bindFlag("poll_interval", serveCmd.Flags(), "poll-interval")
	bindFlag("job_timeout", serveCmd.Flags(), "job-timeout")
	bindFlag("max_retries", serveCmd.Flags(), "max-retries")
	bindFlag("base_delay", serveCmd.Flags(), "base-delay")
	bindFlag("max_delay", serveCmd.Flags(), "max-delay")
	bindFlag("lease_ttl", serveCmd.Flags(), "lease-ttl")
	bindFlag("global_rate", serveCmd.Flags(), "global-rate")
	bindFlag("global_burst", serveCmd.Flags(), "global-burst")
	bindFlag("tenant_per_minute", serveCmd.Flags(), "tenant-per-minute")
	bindFlag("tenant_per_hour", serveCmd.Flags(), "tenant-per-hour")
	bindFlag("jobs_per_day", serveCmd.Flags(), "jobs-per-day")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "flowgate")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "flowgate", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── event sink ────────────────────────────────────────────────────────────
	var sink events.Sink
	if cfg.KafkaBrokers == "" {
		sink = events.NewLogSink(logger)
	} else {
		sink = events.NewKafkaSink(strings.Split(cfg.KafkaBrokers, ","), cfg.EventTopic, logger)
	}

	// ── storage ───────────────────────────────────────────────────────────────
	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	ledger := redisstore.NewQuotaLedger(redisClient)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pgPool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pgPool.Close()
	store := postgres.NewStore(pgPool)
	mirror := postgres.NewAsyncMirror(store, 0, logger)

	// ── flow-control guards ───────────────────────────────────────────────────
	// State changes are rare and worth a durable record, so the write
	// retries briefly before giving up.
	snapshotRetry := backoff.Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}
	breakers := breaker.NewRegistry(breaker.DefaultSettings, nil, logger,
		func(_ string, _, _ breaker.State, snap breaker.Snapshot) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := backoff.Do(ctx, snapshotRetry, func() error {
				return store.SaveBreakerSnapshot(ctx, snap)
			})
			if err != nil {
				logger.Warn("breaker snapshot save failed",
					slog.String("breaker", snap.Name), slog.String("error", err.Error()))
			}
		})

	limiter := ratelimit.NewLimiter(
		ratelimit.WithLogger(logger),
		ratelimit.WithBreachFunc(func(key string, c ratelimit.Config, resetAt time.Time) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.RecordRateLimitBreach(ctx, key, c.Name, c.Limit, resetAt); err != nil {
				logger.Warn("rate limit breach record failed",
					slog.String("key", key), slog.String("error", err.Error()))
			}
		}),
	)
	var limitConfigs []ratelimit.Config
	if cfg.TenantPerMinute > 0 {
		limitConfigs = append(limitConfigs, ratelimit.Config{
			Name: "per_minute", Limit: cfg.TenantPerMinute, Window: time.Minute,
		})
	}
	if cfg.TenantPerHour > 0 {
		limitConfigs = append(limitConfigs, ratelimit.Config{
			Name: "per_hour", Limit: cfg.TenantPerHour, Window: time.Hour,
		})
	}

	var quotaLimits []quota.Limit
	if cfg.JobsPerDay > 0 {
		quotaLimits = append(quotaLimits, quota.Limit{
			Type: "jobs", Limit: cfg.JobsPerDay, Cadence: quota.CadenceDaily,
		})
	}
	quotas := quota.NewManager(quotaLimits,
		quota.WithLogger(logger),
		quota.WithLedger(ledger),
		quota.WithSink(sink),
	)
	loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := quotas.Load(loadCtx); err != nil {
		logger.Warn("quota ledger load failed, starting from empty usage",
			slog.String("error", err.Error()))
	}
	cancel()

	gateOpts := []admission.Option{
		admission.WithQuotas(quotas),
		admission.WithSink(sink),
		admission.WithLogger(logger),
	}
	if cfg.GlobalRate > 0 {
		gateOpts = append(gateOpts, admission.WithGlobalRate(cfg.GlobalRate, cfg.GlobalBurst))
	}
	if len(limitConfigs) > 0 {
		gateOpts = append(gateOpts, admission.WithTenantLimits(limiter, limitConfigs))
	}
	gate := admission.NewGate(gateOpts...)

	// ── job handlers ──────────────────────────────────────────────────────────
	registry := handlers.NewRegistry()
	registry.Register(handlers.NewEmailHandler(handlers.EmailConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	}))
	registry.Register(handlers.NewWebhookHandler(breakers))

	// ── queue ─────────────────────────────────────────────────────────────────
	q := queue.New(
		queue.WithLogger(logger),
		queue.WithMirror(mirror),
		queue.WithSink(sink),
		queue.WithPayloads(registry.Payloads()),
		queue.WithBaseDelay(cfg.BaseDelay),
		queue.WithMaxDelay(cfg.MaxDelay),
		queue.WithLeaseTTL(cfg.LeaseTTL),
		queue.WithDefaultMaxRetries(cfg.MaxRetries),
	)
	q.StartReaper()

	// ── scheduler ─────────────────────────────────────────────────────────────
	schedules := scheduler.NewRunner(
		scheduler.WithLogger(logger),
		scheduler.WithSink(sink),
	)
	mustSchedule := func(name, expr string, fn scheduler.RunFunc) {
		if err := schedules.Schedule(name, expr, fn); err != nil {
			panic(fmt.Sprintf("schedule %q: %v", name, err))
		}
	}
	mustSchedule("ratelimit-sweep", "*/10 * * * *", func(context.Context) error {
		if n := limiter.Sweep(); n > 0 {
			logger.Debug("rate limit entries swept", slog.Int("evicted", n))
		}
		return nil
	})
	mustSchedule("quota-daily-reset", "0 0 * * *", func(ctx context.Context) error {
		n := quotas.ResetCadence(ctx, quota.CadenceDaily)
		logger.Info("daily quotas reset", slog.Int("records", n))
		return nil
	})
	mustSchedule("quota-monthly-reset", "0 0 1 * *", func(ctx context.Context) error {
		n := quotas.ResetCadence(ctx, quota.CadenceMonthly)
		logger.Info("monthly quotas reset", slog.Int("records", n))
		return nil
	})
	if err := schedules.Start(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// ── worker pool ───────────────────────────────────────────────────────────
	poolOpts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithTimeout(cfg.JobTimeout),
		worker.WithPollInterval(cfg.PollInterval),
	}
	if cfg.WorkerCount > 0 {
		poolOpts = append(poolOpts, worker.WithSize(cfg.WorkerCount))
	}
	pool := worker.NewPool(q, registry, poolOpts...)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(runCtx) }()

	// ── HTTP API ──────────────────────────────────────────────────────────────
	api := httpapi.New(q,
		httpapi.WithGate(gate),
		httpapi.WithBreakers(breakers),
		httpapi.WithQuotas(quotas),
		httpapi.WithSchedules(schedules),
		httpapi.WithLogger(logger),
	)
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, nil, logger)

	go func() {
		logger.Info("HTTP API starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	logger.Info("flowgate started",
		slog.Int("workers", cfg.WorkerCount),
		slog.Int("max_retries", cfg.MaxRetries),
		slog.Duration("job_timeout", cfg.JobTimeout),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit
	logger.Info("shutting down, draining in-flight jobs...")

	// Stop intake first, then drain workers, then flush the mirror.
	var shutdownErr error
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		shutdownErr = multierr.Append(shutdownErr, fmt.Errorf("http shutdown: %w", err))
	}

	schedules.Stop()
	runCancel()
	if err := <-poolDone; err != nil {
		shutdownErr = multierr.Append(shutdownErr, fmt.Errorf("worker pool: %w", err))
	}

	q.Close()
	mirror.Close()
	if err := sink.Close(); err != nil {
		shutdownErr = multierr.Append(shutdownErr, fmt.Errorf("event sink: %w", err))
	}

	if shutdownErr != nil {
		return shutdownErr
	}
	logger.Info("stopped cleanly")
	return nil
}
