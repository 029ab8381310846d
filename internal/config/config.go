// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	exactlyonce "github.com/dlearley/bi-agent-core/internal/exactly-once-patterns"
	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Backoff struct {
	Base   time.Duration `mapstructure:"base"`
	Max    time.Duration `mapstructure:"max"`
	Jitter bool          `mapstructure:"jitter"`
}

// QueueDefaults holds the per-queue knobs from spec §6 "queue":
// {concurrency, visibility_timeout_ms, default_max_attempts, default_backoff}.
type QueueDefaults struct {
	Concurrency        int     `mapstructure:"concurrency"`
	VisibilityTimeout  time.Duration `mapstructure:"visibility_timeout"`
	DefaultMaxAttempts int     `mapstructure:"default_max_attempts"`
	DefaultBackoff     Backoff `mapstructure:"default_backoff"`
}

type Queue struct {
	// Defaults apply to any queue name not present in Overrides.
	Defaults               QueueDefaults            `mapstructure:"defaults"`
	Overrides              map[string]QueueDefaults `mapstructure:"overrides"`
	KeyPrefix              string                   `mapstructure:"key_prefix"`
	ReaperScanInterval     time.Duration            `mapstructure:"reaper_scan_interval"`
	PerTenantEnqueuePerSec float64                  `mapstructure:"per_tenant_enqueue_per_sec"`
	PerTenantEnqueueBurst  int                      `mapstructure:"per_tenant_enqueue_burst"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled               bool              `mapstructure:"enabled"`
	Endpoint              string            `mapstructure:"endpoint"`
	Environment           string            `mapstructure:"environment"`
	SamplingStrategy      string            `mapstructure:"sampling_strategy"`
	SamplingRate          float64           `mapstructure:"sampling_rate"`
	BatchTimeout          time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize    int               `mapstructure:"max_export_batch_size"`
	Headers               map[string]string `mapstructure:"headers"`
	Insecure              bool              `mapstructure:"insecure"`
	PropagationFormat     string            `mapstructure:"propagation_format"`
	AttributeAllowlist    []string          `mapstructure:"attribute_allowlist"`
	RedactSensitive       bool              `mapstructure:"redact_sensitive"`
	EnableMetricExemplars bool              `mapstructure:"enable_metric_exemplars"`
}

// Tracing is a backwards-compatible alias
type Tracing = TracingConfig

type LogFile struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
	LogFile             LogFile       `mapstructure:"log_file"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

// Postgres configures the relational Persistent Store (staging tables,
// event log, jobs table, schedules table, refresh records).
type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// Stream configures the NATS JetStream partitioned-log transport.
type Stream struct {
	URL                string        `mapstructure:"url"`
	Topics             []string      `mapstructure:"topics"`
	ConsumerGroup      string        `mapstructure:"consumer_group"`
	PartitionsPerTopic int           `mapstructure:"partitions_per_topic"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	ReconnectBase      time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax       time.Duration `mapstructure:"reconnect_max"`
	ResumeRatePerSec   float64       `mapstructure:"resume_rate_per_sec"`
	ResumeBurst        int           `mapstructure:"resume_burst"`
	LowWaterMark       int           `mapstructure:"low_water_mark"`
}

// SchemaRegistry configures the schema resolution client.
type SchemaRegistry struct {
	BaseURL        string        `mapstructure:"base_url"`
	CacheSize      int           `mapstructure:"cache_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Scheduler configures the cron-style recurrence evaluator.
type Scheduler struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// MaxCatchUpSpan bounds how far back a single catch-up fire may reach;
	// it does not change the "exactly one catch-up fire" rule.
	MaxCatchUpSpan time.Duration `mapstructure:"max_catch_up_span"`
}

// Cache configures the fingerprinted single-flight orchestrator.
type Cache struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	FlightMarkerTTL time.Duration `mapstructure:"flight_marker_ttl"`
	PollInitial     time.Duration `mapstructure:"poll_initial"`
	PollCeiling     time.Duration `mapstructure:"poll_ceiling"`
	LocalLRUSize    int           `mapstructure:"local_lru_size"`
}

// Retention configures per-kind staging partition retention windows.
type Retention struct {
	PartitionWindow map[string]time.Duration `mapstructure:"partition_window"`
}

// Warehouse configures the ClickHouse analytical store used by
// refresh_view, catalog_discovery, catalog_profile, and report_generate.
type Warehouse struct {
	DSN          string        `mapstructure:"dsn"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// Blob configures the S3-compatible export artifact store.
type Blob struct {
	Bucket         string        `mapstructure:"bucket"`
	Region         string        `mapstructure:"region"`
	Endpoint       string        `mapstructure:"endpoint"`
	ForcePathStyle bool          `mapstructure:"force_path_style"`
	SignedURLTTL   time.Duration `mapstructure:"signed_url_ttl"`
}

// Alerting configures alert_evaluate's notification channel dispatch.
type Alerting struct {
	SlackWebhookURL string   `mapstructure:"slack_webhook_url"`
	SlackChannel    string   `mapstructure:"slack_channel"`
	DefaultChannels []string `mapstructure:"default_channels"`
}

type Config struct {
	Redis          Redis              `mapstructure:"redis"`
	Queue          Queue              `mapstructure:"queue"`
	CircuitBreaker CircuitBreaker     `mapstructure:"circuit_breaker"`
	Observability  Observability      `mapstructure:"observability"`
	ExactlyOnce    exactlyonce.Config `mapstructure:"exactly_once"`
	Postgres       Postgres           `mapstructure:"postgres"`
	Stream         Stream             `mapstructure:"stream"`
	SchemaRegistry SchemaRegistry     `mapstructure:"schema_registry"`
	Scheduler      Scheduler          `mapstructure:"scheduler"`
	Cache          Cache              `mapstructure:"cache"`
	Retention      Retention          `mapstructure:"retention"`
	Warehouse      Warehouse          `mapstructure:"warehouse"`
	Blob           Blob               `mapstructure:"blob"`
	Alerting       Alerting           `mapstructure:"alerting"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Queue: Queue{
			Defaults: QueueDefaults{
				Concurrency:        8,
				VisibilityTimeout:  30 * time.Second,
				DefaultMaxAttempts: 5,
				DefaultBackoff:     Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: true},
			},
			Overrides:              map[string]QueueDefaults{},
			KeyPrefix:              "biagent",
			ReaperScanInterval:     5 * time.Second,
			PerTenantEnqueuePerSec: 50,
			PerTenantEnqueueBurst:  100,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
			LogFile:             LogFile{Enabled: false, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28, Compress: true},
		},
		Postgres: Postgres{
			DSN:             "postgres://localhost:5432/biagent?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			MigrationsPath:  "file://internal/store/migrations",
		},
		Stream: Stream{
			URL:                "nats://localhost:4222",
			Topics:             []string{"crm.leads", "crm.contacts", "crm.opportunities"},
			ConsumerGroup:      "ingestion",
			PartitionsPerTopic: 4,
			HandshakeTimeout:   5 * time.Second,
			ReconnectBase:      250 * time.Millisecond,
			ReconnectMax:       30 * time.Second,
			ResumeRatePerSec:   100,
			ResumeBurst:        200,
			LowWaterMark:       50,
		},
		SchemaRegistry: SchemaRegistry{
			BaseURL:        "http://localhost:8081",
			CacheSize:      512,
			RequestTimeout: 3 * time.Second,
		},
		Scheduler: Scheduler{
			TickInterval:   1 * time.Second,
			MaxCatchUpSpan: 7 * 24 * time.Hour,
		},
		Cache: Cache{
			DefaultTTL:      5 * time.Minute,
			FlightMarkerTTL: 30 * time.Second,
			PollInitial:     25 * time.Millisecond,
			PollCeiling:     1 * time.Second,
			LocalLRUSize:    2048,
		},
		Retention: Retention{
			PartitionWindow: map[string]time.Duration{
				"lead":        90 * 24 * time.Hour,
				"contact":     180 * 24 * time.Hour,
				"opportunity": 365 * 24 * time.Hour,
			},
		},
		Warehouse: Warehouse{
			DSN:          "clickhouse://localhost:9000/biagent",
			QueryTimeout: 30 * time.Second,
		},
		Blob: Blob{
			Bucket:         "biagent-exports",
			Region:         "us-east-1",
			ForcePathStyle: false,
			SignedURLTTL:   1 * time.Hour,
		},
		Alerting: Alerting{
			DefaultChannels: []string{"slack"},
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queue.defaults.concurrency", def.Queue.Defaults.Concurrency)
	v.SetDefault("queue.defaults.visibility_timeout", def.Queue.Defaults.VisibilityTimeout)
	v.SetDefault("queue.defaults.default_max_attempts", def.Queue.Defaults.DefaultMaxAttempts)
	v.SetDefault("queue.defaults.default_backoff.base", def.Queue.Defaults.DefaultBackoff.Base)
	v.SetDefault("queue.defaults.default_backoff.max", def.Queue.Defaults.DefaultBackoff.Max)
	v.SetDefault("queue.defaults.default_backoff.jitter", def.Queue.Defaults.DefaultBackoff.Jitter)
	v.SetDefault("queue.key_prefix", def.Queue.KeyPrefix)
	v.SetDefault("queue.reaper_scan_interval", def.Queue.ReaperScanInterval)
	v.SetDefault("queue.per_tenant_enqueue_per_sec", def.Queue.PerTenantEnqueuePerSec)
	v.SetDefault("queue.per_tenant_enqueue_burst", def.Queue.PerTenantEnqueueBurst)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)
	v.SetDefault("observability.log_file.enabled", def.Observability.LogFile.Enabled)
	v.SetDefault("observability.log_file.max_size_mb", def.Observability.LogFile.MaxSizeMB)
	v.SetDefault("observability.log_file.max_backups", def.Observability.LogFile.MaxBackups)
	v.SetDefault("observability.log_file.max_age_days", def.Observability.LogFile.MaxAgeDays)
	v.SetDefault("observability.log_file.compress", def.Observability.LogFile.Compress)

	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)
	v.SetDefault("postgres.migrations_path", def.Postgres.MigrationsPath)

	v.SetDefault("stream.url", def.Stream.URL)
	v.SetDefault("stream.topics", def.Stream.Topics)
	v.SetDefault("stream.consumer_group", def.Stream.ConsumerGroup)
	v.SetDefault("stream.partitions_per_topic", def.Stream.PartitionsPerTopic)
	v.SetDefault("stream.handshake_timeout", def.Stream.HandshakeTimeout)
	v.SetDefault("stream.reconnect_base", def.Stream.ReconnectBase)
	v.SetDefault("stream.reconnect_max", def.Stream.ReconnectMax)
	v.SetDefault("stream.resume_rate_per_sec", def.Stream.ResumeRatePerSec)
	v.SetDefault("stream.resume_burst", def.Stream.ResumeBurst)
	v.SetDefault("stream.low_water_mark", def.Stream.LowWaterMark)

	v.SetDefault("schema_registry.base_url", def.SchemaRegistry.BaseURL)
	v.SetDefault("schema_registry.cache_size", def.SchemaRegistry.CacheSize)
	v.SetDefault("schema_registry.request_timeout", def.SchemaRegistry.RequestTimeout)

	v.SetDefault("scheduler.tick_interval", def.Scheduler.TickInterval)
	v.SetDefault("scheduler.max_catch_up_span", def.Scheduler.MaxCatchUpSpan)

	v.SetDefault("cache.default_ttl", def.Cache.DefaultTTL)
	v.SetDefault("cache.flight_marker_ttl", def.Cache.FlightMarkerTTL)
	v.SetDefault("cache.poll_initial", def.Cache.PollInitial)
	v.SetDefault("cache.poll_ceiling", def.Cache.PollCeiling)
	v.SetDefault("cache.local_lru_size", def.Cache.LocalLRUSize)

	v.SetDefault("retention.partition_window", def.Retention.PartitionWindow)

	v.SetDefault("warehouse.dsn", def.Warehouse.DSN)
	v.SetDefault("warehouse.query_timeout", def.Warehouse.QueryTimeout)

	v.SetDefault("blob.bucket", def.Blob.Bucket)
	v.SetDefault("blob.region", def.Blob.Region)
	v.SetDefault("blob.force_path_style", def.Blob.ForcePathStyle)
	v.SetDefault("blob.signed_url_ttl", def.Blob.SignedURLTTL)

	v.SetDefault("alerting.default_channels", def.Alerting.DefaultChannels)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Queue.Defaults.Concurrency < 1 {
		return fmt.Errorf("queue.defaults.concurrency must be >= 1")
	}
	if cfg.Queue.Defaults.DefaultMaxAttempts < 1 {
		return fmt.Errorf("queue.defaults.default_max_attempts must be >= 1")
	}
	if cfg.Queue.Defaults.VisibilityTimeout < time.Second {
		return fmt.Errorf("queue.defaults.visibility_timeout must be >= 1s")
	}
	for name, ov := range cfg.Queue.Overrides {
		if ov.Concurrency < 1 {
			return fmt.Errorf("queue.overrides[%s].concurrency must be >= 1", name)
		}
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn must be set")
	}
	if cfg.Stream.PartitionsPerTopic < 1 {
		return fmt.Errorf("stream.partitions_per_topic must be >= 1")
	}
	if len(cfg.Stream.Topics) == 0 {
		return fmt.Errorf("stream.topics must be non-empty")
	}
	if cfg.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be > 0")
	}
	if cfg.Cache.FlightMarkerTTL <= 0 {
		return fmt.Errorf("cache.flight_marker_ttl must be > 0")
	}
	if cfg.Cache.PollCeiling < cfg.Cache.PollInitial {
		return fmt.Errorf("cache.poll_ceiling must be >= cache.poll_initial")
	}
	return nil
}

// QueueSettings resolves the effective defaults for a named queue, applying
// any configured override on top of the global defaults.
func (c *Config) QueueSettings(name string) QueueDefaults {
	merged := c.Queue.Defaults
	ov, ok := c.Queue.Overrides[name]
	if !ok {
		return merged
	}
	if ov.Concurrency > 0 {
		merged.Concurrency = ov.Concurrency
	}
	if ov.VisibilityTimeout > 0 {
		merged.VisibilityTimeout = ov.VisibilityTimeout
	}
	if ov.DefaultMaxAttempts > 0 {
		merged.DefaultMaxAttempts = ov.DefaultMaxAttempts
	}
	if ov.DefaultBackoff.Base > 0 {
		merged.DefaultBackoff.Base = ov.DefaultBackoff.Base
	}
	if ov.DefaultBackoff.Max > 0 {
		merged.DefaultBackoff.Max = ov.DefaultBackoff.Max
	}
	return merged
}
