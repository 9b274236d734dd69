// Package config loads collector configuration from an optional YAML file,
// a .env file and COLLECTOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type CatalogConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retries     int           `mapstructure:"retries"`
	TokenSecret string        `mapstructure:"token_secret"`
	TokenIssuer string        `mapstructure:"token_issuer"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	PageSize    int           `mapstructure:"page_size"`
}

// DatabaseConfig points at the execution store. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type QueueConfig struct {
	Backend        string        `mapstructure:"backend"` // memory, postgres, temporal
	DSN            string        `mapstructure:"dsn"`
	Visibility     time.Duration `mapstructure:"visibility"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	TemporalHost   string        `mapstructure:"temporal_host"`
	TemporalNS     string        `mapstructure:"temporal_namespace"`
	TaskQueue      string        `mapstructure:"task_queue"`
	RetentionHours int           `mapstructure:"retention_hours"`
}

type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	Mode     string `mapstructure:"mode"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	File     string `mapstructure:"file"`
	FileOnly bool   `mapstructure:"file_only"`
}

// ArchiveConfig selects where execution log blobs are copied after a run.
// An empty backend disables archiving.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"` // minio, s3
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MinRetryBackoff is the smallest gap allowed between ingestion attempts.
const MinRetryBackoff = 30 * time.Second

// Load reads configuration. configPath may be empty.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("collector")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("COLLECTOR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Conventional names for secrets and endpoints.
	_ = v.BindEnv("catalog.base_url", "COLLECTOR_CATALOG_BASE_URL", "CATALOG_API_URL")
	_ = v.BindEnv("catalog.token_secret", "COLLECTOR_CATALOG_TOKEN_SECRET", "CATALOG_TOKEN_SECRET")
	_ = v.BindEnv("database.dsn", "COLLECTOR_DATABASE_DSN", "DATABASE_URL")
	_ = v.BindEnv("archive.access_key", "COLLECTOR_ARCHIVE_ACCESS_KEY", "MINIO_ACCESS_KEY")
	_ = v.BindEnv("archive.secret_key", "COLLECTOR_ARCHIVE_SECRET_KEY", "MINIO_SECRET_KEY")
	_ = v.BindEnv("queue.temporal_host", "COLLECTOR_QUEUE_TEMPORAL_HOST", "TEMPORAL_ADDRESS")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("catalog.base_url", "http://localhost:8000/api/v1")
	v.SetDefault("catalog.timeout", "30s")
	v.SetDefault("catalog.retries", 3)
	v.SetDefault("catalog.token_issuer", "collector")
	v.SetDefault("catalog.token_ttl", "15m")
	v.SetDefault("catalog.page_size", 100)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.visibility", "30m")
	v.SetDefault("queue.poll_interval", "2s")
	v.SetDefault("queue.temporal_host", "localhost:7233")
	v.SetDefault("queue.temporal_namespace", "default")
	v.SetDefault("queue.task_queue", "metadata-ingestion")
	v.SetDefault("queue.retention_hours", 24)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.retry_backoff", MinRetryBackoff.String())
	v.SetDefault("worker.stale_after", "30m")
	v.SetDefault("worker.heartbeat", "15s")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.bucket", "execution-logs")
	v.SetDefault("archive.prefix", "executions")
	v.SetDefault("metrics.enabled", true)
}

// Validate rejects values the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Catalog.PageSize <= 0 || c.Catalog.PageSize > 100 {
		return fmt.Errorf("catalog.page_size must be within 1..100, got %d", c.Catalog.PageSize)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.RetryBackoff < MinRetryBackoff {
		return fmt.Errorf("worker.retry_backoff must be at least %s, got %s", MinRetryBackoff, c.Worker.RetryBackoff)
	}
	switch c.Queue.Backend {
	case "memory", "postgres", "temporal":
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	switch c.Archive.Backend {
	case "", "minio", "s3":
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	return nil
}

// QueueDSN falls back to the execution store DSN for the postgres queue.
func (c *Config) QueueDSN() string {
	if c.Queue.DSN != "" {
		return c.Queue.DSN
	}
	return c.Database.DSN
}
