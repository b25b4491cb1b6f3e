// Package config loads and validates the similarity job configuration from a
// YAML file with environment-variable overrides. It provides typed structs for
// every subsystem (Postgres, Storage, Redis, Kafka, Pipeline, Extractor, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level job configuration.
type Config struct {
	Postgres  PostgresConfig  `yaml:"postgres"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// PostgresConfig holds PostgreSQL connection parameters. When URL is set it
// takes precedence over the discrete fields.
type PostgresConfig struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	SimilarityTable string        `yaml:"similarityTable"`
	InsertPageSize  int           `yaml:"insertPageSize"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// StorageConfig holds the S3-compatible blob storage settings.
type StorageConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Region          string        `yaml:"region"`
	AccessKeyID     string        `yaml:"accessKeyId"`
	SecretAccessKey string        `yaml:"secretAccessKey"`
	Bucket          string        `yaml:"bucket"`
	ObjectSuffix    string        `yaml:"objectSuffix"`
	UsePathStyle    bool          `yaml:"usePathStyle"`
	RetryAttempts   int           `yaml:"retryAttempts"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	BreakerFailures int           `yaml:"breakerFailures"`
	BreakerReset    time.Duration `yaml:"breakerReset"`
}

// RedisConfig holds the Redis connection used for the run lock.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	LockKey  string        `yaml:"lockKey"`
	LockTTL  time.Duration `yaml:"lockTTL"`
}

// KafkaConfig holds broker settings for the refresh notification.
type KafkaConfig struct {
	Enabled bool        `yaml:"enabled"`
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	SimilarityRefreshed string `yaml:"similarityRefreshed"`
}

// PipelineConfig controls the cache directory, batching, and ranking limits.
type PipelineConfig struct {
	CacheDir      string `yaml:"cacheDir"`
	BatchSize     int    `yaml:"batchSize"`
	DecodeWorkers int    `yaml:"decodeWorkers"`
	RankWorkers   int    `yaml:"rankWorkers"`
	TopK          int    `yaml:"topK"`
	MinResults    int    `yaml:"minResults"`
	Interpolation string `yaml:"interpolation"`
}

// ExtractorConfig describes the model server and its I/O contract.
type ExtractorConfig struct {
	URL           string        `yaml:"url"`
	Model         string        `yaml:"model"`
	Height        int           `yaml:"height"`
	Width         int           `yaml:"width"`
	Dim           int           `yaml:"dim"`
	Normalization string        `yaml:"normalization"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retryAttempts"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus scrape server and Pushgateway push.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Port           int    `yaml:"port"`
	PushgatewayURL string `yaml:"pushgatewayUrl"`
	Job            string `yaml:"job"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Validate reports the first setting that would make a run meaningless.
func (c *Config) Validate() error {
	switch {
	case c.Pipeline.CacheDir == "":
		return fmt.Errorf("pipeline.cacheDir must be set")
	case c.Pipeline.BatchSize <= 0:
		return fmt.Errorf("pipeline.batchSize must be positive, got %d", c.Pipeline.BatchSize)
	case c.Pipeline.TopK <= 0:
		return fmt.Errorf("pipeline.topK must be positive, got %d", c.Pipeline.TopK)
	case c.Pipeline.MinResults < 0:
		return fmt.Errorf("pipeline.minResults must not be negative, got %d", c.Pipeline.MinResults)
	case c.Storage.Bucket == "":
		return fmt.Errorf("storage.bucket must be set")
	case c.Extractor.URL == "":
		return fmt.Errorf("extractor.url must be set")
	case c.Extractor.Height <= 0 || c.Extractor.Width <= 0 || c.Extractor.Dim <= 0:
		return fmt.Errorf("extractor height, width and dim must be positive")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "catalog",
			User:            "catalog",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			SimilarityTable: "product_productsimilarity",
			InsertPageSize:  100,
		},
		Storage: StorageConfig{
			Region:          "us-east-1",
			ObjectSuffix:    ".gzip",
			RetryAttempts:   3,
			RetryDelay:      200 * time.Millisecond,
			BreakerFailures: 20,
			BreakerReset:    30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 2,
			LockKey:  "similarity:run-lock",
			LockTTL:  6 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topics: KafkaTopics{
				SimilarityRefreshed: "similarity.refreshed",
			},
		},
		Pipeline: PipelineConfig{
			CacheDir:      "live_products",
			BatchSize:     10,
			DecodeWorkers: 1,
			RankWorkers:   4,
			TopK:          1500,
			MinResults:    100,
			Interpolation: "nearest",
		},
		Extractor: ExtractorConfig{
			URL:           "http://localhost:8501",
			Model:         "vgg16",
			Height:        224,
			Width:         224,
			Dim:           25088,
			Normalization: "caffe",
			Timeout:       2 * time.Minute,
			RetryAttempts: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Job:     "visual-similarity",
		},
	}
}

// applyEnvOverrides reads VS_* environment variables, plus the variable names
// the job historically used for Postgres and S3, and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PSQL_CONNECTION_STRING"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("VS_POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("VS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("VS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("VS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("VS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("VS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}

	if v := os.Getenv("AWS_REGION_NAME"); v != "" {
		cfg.Storage.Region = v
	}
	if v := os.Getenv("AWS_S3_ENDPOINT_URL"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.SecretAccessKey = v
	}
	if v := os.Getenv("AWS_SIMILARITY_BUCKET_NAME"); v != "" {
		cfg.Storage.Bucket = v
	}

	if v := os.Getenv("VS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("VS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("VS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}

	if v := os.Getenv("VS_CACHE_DIR"); v != "" {
		cfg.Pipeline.CacheDir = v
	}
	if v := os.Getenv("VS_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.BatchSize = n
		}
	}
	if v := os.Getenv("VS_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.TopK = n
		}
	}
	if v := os.Getenv("VS_MIN_RESULTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MinResults = n
		}
	}
	if v := os.Getenv("VS_EXTRACTOR_URL"); v != "" {
		cfg.Extractor.URL = v
	}
	if v := os.Getenv("VS_EXTRACTOR_MODEL"); v != "" {
		cfg.Extractor.Model = v
	}

	if v := os.Getenv("VS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("VS_PUSHGATEWAY_URL"); v != "" {
		cfg.Metrics.PushgatewayURL = v
	}
}
