package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the flowgate service.
type Config struct {
	LogLevel     string
	HTTPAddr     string
	MetricsAddr  string
	OTelEndpoint string

	RedisAddr    string
	PostgresDSN  string
	KafkaBrokers string
	EventTopic   string

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	WorkerCount  int
	PollInterval time.Duration
	JobTimeout   time.Duration

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	LeaseTTL   time.Duration

	GlobalRate      float64
	GlobalBurst     int
	TenantPerMinute int
	TenantPerHour   int
	JobsPerDay      int64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPAddr:     v.GetString("http_addr"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		EventTopic:   v.GetString("event_topic"),

		SMTPHost:     v.GetString("smtp_host"),
		SMTPPort:     v.GetInt("smtp_port"),
		SMTPFrom:     v.GetString("smtp_from"),
		SMTPUsername: v.GetString("smtp_username"),
		SMTPPassword: v.GetString("smtp_password"),

		WorkerCount:  v.GetInt("worker_count"),
		PollInterval: v.GetDuration("poll_interval"),
		JobTimeout:   v.GetDuration("job_timeout"),

		MaxRetries: v.GetInt("max_retries"),
		BaseDelay:  v.GetDuration("base_delay"),
		MaxDelay:   v.GetDuration("max_delay"),
		LeaseTTL:   v.GetDuration("lease_ttl"),

		GlobalRate:      v.GetFloat64("global_rate"),
		GlobalBurst:     v.GetInt("global_burst"),
		TenantPerMinute: v.GetInt("tenant_per_minute"),
		TenantPerHour:   v.GetInt("tenant_per_hour"),
		JobsPerDay:      v.GetInt64("jobs_per_day"),
	}
}
