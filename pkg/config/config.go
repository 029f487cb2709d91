package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config captures the full runtime configuration for a migration run.
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Source    SourceConfig
	Storage   StorageConfig
	Migration MigrationConfig
	Staging   StagingConfig
	Ledger    LedgerConfig
	Kafka     KafkaConfig
	NATS      NATSConfig
	Tracing   TracingConfig
	Metrics   MetricsConfig
}

type AppConfig struct {
	Name        string `env:"APP_NAME" envDefault:"mediamigrate"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Version     string `env:"APP_VERSION" envDefault:"0.1.0"`
	LogLevel    string `env:"APP_LOG_LEVEL" envDefault:"info"`
}

type HTTPConfig struct {
	Addr         string        `env:"HTTP_ADDR" envDefault:""`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
}

// SourceConfig points at the asset store being migrated away from.
type SourceConfig struct {
	BaseURL      string        `env:"SOURCE_BASE_URL" envDefault:""`
	Token        string        `env:"SOURCE_TOKEN"`
	ManifestPath string        `env:"SOURCE_MANIFEST" envDefault:"manifest.json"`
	Timeout      time.Duration `env:"SOURCE_HTTP_TIMEOUT" envDefault:"30s"`
}

type StorageConfig struct {
	Provider  string `env:"STORAGE_PROVIDER" envDefault:"minio"`
	Endpoint  string `env:"STORAGE_ENDPOINT" envDefault:"localhost:9000"`
	Region    string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"STORAGE_BUCKET" envDefault:"mediamigrate"`
	AccessKey string `env:"STORAGE_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"STORAGE_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL    bool   `env:"STORAGE_USE_SSL" envDefault:"false"`
	Prefix    string `env:"STORAGE_PREFIX" envDefault:""`
}

type MigrationConfig struct {
	Concurrency       int           `env:"MIGRATION_CONCURRENCY" envDefault:"8"`
	RetryAttempts     int           `env:"MIGRATION_RETRY_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay    time.Duration `env:"MIGRATION_RETRY_BASE_DELAY" envDefault:"2s"`
	RetryJitter       bool          `env:"MIGRATION_RETRY_JITTER" envDefault:"false"`
	FetchTimeout      time.Duration `env:"MIGRATION_FETCH_TIMEOUT" envDefault:"120s"`
	StoreTimeout      time.Duration `env:"MIGRATION_STORE_TIMEOUT" envDefault:"120s"`
	CleanupAfterStore bool          `env:"MIGRATION_CLEANUP_AFTER_STORE" envDefault:"true"`
	UploadSidecars    bool          `env:"MIGRATION_UPLOAD_SIDECARS" envDefault:"true"`
	BatchSize         int           `env:"MIGRATION_BATCH_SIZE" envDefault:"50"`
	SampleSize        int           `env:"MIGRATION_SAMPLE_SIZE" envDefault:"0"`
	Kinds             []string      `env:"MIGRATION_KINDS" envSeparator:"," envDefault:"image,video"`
	ProgressInterval  time.Duration `env:"MIGRATION_PROGRESS_INTERVAL" envDefault:"1s"`
}

type StagingConfig struct {
	Dir      string `env:"STAGING_DIR" envDefault:"staging"`
	InMemory bool   `env:"STAGING_IN_MEMORY" envDefault:"false"`
}

type LedgerConfig struct {
	Dir string `env:"LEDGER_DIR" envDefault:"logs"`
}

type KafkaConfig struct {
	Brokers          []string      `env:"KAFKA_BROKERS" envSeparator:","`
	ProgressTopic    string        `env:"KAFKA_PROGRESS_TOPIC" envDefault:"mediamigrate.progress"`
	Retries          int           `env:"KAFKA_RETRIES" envDefault:"3"`
	CompressionCodec string        `env:"KAFKA_COMPRESSION_CODEC" envDefault:"snappy"`
	BatchSize        int           `env:"KAFKA_BATCH_SIZE" envDefault:"100"`
	BatchTimeout     time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"1s"`
}

type NATSConfig struct {
	URL           string `env:"NATS_URL"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"mediamigrate.progress"`
}

type TracingConfig struct {
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
	ResourceAttr string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"service.namespace=mediamigrate"`
}

type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"`
}

// Load reads optional .env files and parses environment variables into Config.
// Variables already present in the process environment take precedence.
func Load() (*Config, error) {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the migration cannot run with.
func (c *Config) Validate() error {
	var errs []error
	m := c.Migration
	if m.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("MIGRATION_CONCURRENCY must be positive, got %d", m.Concurrency))
	}
	if m.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MIGRATION_RETRY_ATTEMPTS must be positive, got %d", m.RetryAttempts))
	}
	if m.RetryBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("MIGRATION_RETRY_BASE_DELAY must not be negative"))
	}
	if m.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("MIGRATION_BATCH_SIZE must be positive, got %d", m.BatchSize))
	}
	if m.SampleSize < 0 {
		errs = append(errs, fmt.Errorf("MIGRATION_SAMPLE_SIZE must not be negative"))
	}
	for _, k := range m.Kinds {
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "image", "video":
		default:
			errs = append(errs, fmt.Errorf("unknown asset kind in MIGRATION_KINDS: %q", k))
		}
	}
	switch c.Storage.Provider {
	case "minio", "s3", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported STORAGE_PROVIDER: %s", c.Storage.Provider))
	}
	return errors.Join(errs...)
}
