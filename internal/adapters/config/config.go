package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"switchyard/pkg/errors"
)

type Config struct {
	App           AppConfig
	HTTP          HTTPConfig
	Postgres      PostgresConfig
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Telegram      TelegramConfig
	Crypto        CryptoConfig
	ErrorTracking ErrorTrackingConfig
	Engine        EngineConfig
	Workers       WorkerConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"switchyard"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`
}

type HTTPConfig struct {
	Port            int           `envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"150s"` // covers a synchronous execute
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" required:"true"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" required:"true"`
	Password string `envconfig:"POSTGRES_PASSWORD" required:"true"`
	Database string `envconfig:"POSTGRES_DB" required:"true"`
	SSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"POSTGRES_MAX_CONNS" default:"25"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// ClickHouseConfig is optional; without a host execution metrics stay in
// Prometheus only.
type ClickHouseConfig struct {
	Host          string        `envconfig:"CLICKHOUSE_HOST"`
	Port          int           `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User          string        `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password      string        `envconfig:"CLICKHOUSE_PASSWORD"`
	Database      string        `envconfig:"CLICKHOUSE_DB" default:"switchyard"`
	BatchSize     int           `envconfig:"CLICKHOUSE_BATCH_SIZE" default:"500"`
	FlushInterval time.Duration `envconfig:"CLICKHOUSE_FLUSH_INTERVAL" default:"5s"`
}

func (c ClickHouseConfig) Enabled() bool { return c.Host != "" }

// RedisConfig is optional; it backs the result cache when
// ENGINE_CACHE_BACKEND=redis.
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c RedisConfig) Enabled() bool { return c.Host != "" }

type KafkaConfig struct {
	Brokers          []string `envconfig:"KAFKA_BROKERS"`
	ExecutionsTopic  string   `envconfig:"KAFKA_EXECUTIONS_TOPIC" default:"tool.executions"`
	BudgetAlertTopic string   `envconfig:"KAFKA_BUDGET_ALERT_TOPIC" default:"budget.alerts"`
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type TelegramConfig struct {
	BotToken       string  `envconfig:"TELEGRAM_BOT_TOKEN"`
	MessagesPerSec float64 `envconfig:"TELEGRAM_MESSAGES_PER_SEC" default:"1"`
	AlertChatIDs   []int64 `envconfig:"TELEGRAM_ALERT_CHAT_IDS"` // receive every alert in addition to per-tool targets
}

func (c TelegramConfig) Enabled() bool { return c.BotToken != "" }

type CryptoConfig struct {
	EncryptionKey string `envconfig:"ENCRYPTION_KEY" required:"true"` // 32 bytes for AES-256, raw or base64
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"true"`
	Provider    string `envconfig:"ERROR_TRACKING_PROVIDER" default:"sentry"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// EngineConfig sizes the execution pipeline
type EngineConfig struct {
	Workers         int           `envconfig:"ENGINE_WORKERS" default:"5"`
	IdleBackoff     time.Duration `envconfig:"ENGINE_IDLE_BACKOFF" default:"1s"`
	ErrorBackoff    time.Duration `envconfig:"ENGINE_ERROR_BACKOFF" default:"5s"`
	ShutdownTimeout time.Duration `envconfig:"ENGINE_SHUTDOWN_TIMEOUT" default:"30s"`
	CacheBackend    string        `envconfig:"ENGINE_CACHE_BACKEND" default:"memory"` // memory | redis
	CacheTTL        time.Duration `envconfig:"ENGINE_CACHE_TTL" default:"5m"`
	ResultRetention time.Duration `envconfig:"ENGINE_RESULT_RETENTION" default:"1h"`
	PolicyFile      string        `envconfig:"ENGINE_POLICY_FILE" default:"configs/policies.yaml"`
}

// WorkerConfig contains intervals for the maintenance workers
type WorkerConfig struct {
	WindowSweepInterval     time.Duration `envconfig:"WORKER_WINDOW_SWEEP_INTERVAL" default:"30s"`
	CacheSweepInterval      time.Duration `envconfig:"WORKER_CACHE_SWEEP_INTERVAL" default:"1m"`
	RolloverInterval        time.Duration `envconfig:"WORKER_BUDGET_ROLLOVER_INTERVAL" default:"1m"`
	ResultPruneInterval     time.Duration `envconfig:"WORKER_RESULT_PRUNE_INTERVAL" default:"5m"`
	StatusBroadcastInterval time.Duration `envconfig:"WORKER_STATUS_BROADCAST_INTERVAL" default:"5s"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	switch c.Engine.CacheBackend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return errors.NewValidationError("ENGINE_CACHE_BACKEND", "redis backend requires REDIS_HOST", c.Engine.CacheBackend)
		}
	default:
		return errors.NewValidationError("ENGINE_CACHE_BACKEND", "must be memory or redis", c.Engine.CacheBackend)
	}
	if c.Engine.Workers < 1 {
		return errors.NewValidationError("ENGINE_WORKERS", "must be at least 1", c.Engine.Workers)
	}
	return nil
}
