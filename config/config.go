package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Quota backends.
const (
	QuotaBackendPostgres = "postgres"
	QuotaBackendRedis    = "redis"
	QuotaBackendMemory   = "memory"
)

type Config struct {
	AppName            string `env:"APP_NAME" env-default:"fern"`
	LogLevel           string `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs         bool   `env:"PRETTY_LOGS" env-default:"false"`
	StartupMaxAttempts int    `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:"localhost"`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:"postgres"`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"fern"`
	// Database SSL mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version, 0 migrates to the latest
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`
	// Take a Redis lock per (service, filter set) slice during listing batches
	BatchLocksEnabled bool `env:"BATCH_LOCKS_ENABLED" env-default:"true"`

	// Kafka brokers (comma-separated), empty disables change events
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:""`
	// Kafka topic for superseded record events
	KafkaChangesTopic string `env:"KAFKA_CHANGES_TOPIC" env-default:"fern.record-changes"`

	// Requests allowed per credential inside one quota window
	TokenLimit int64 `env:"TOKEN_LIMIT" env-default:"1000"`
	// Length of the sliding quota window
	QuotaWindow time.Duration `env:"QUOTA_WINDOW" env-default:"61m"`
	// Where usage is counted: postgres, redis or memory
	QuotaBackend string `env:"QUOTA_BACKEND" env-default:"postgres"`

	// Concurrent listing fetches per slice
	FetchWorkers int `env:"FETCH_WORKERS" env-default:"4"`
	// Timeout of one external request
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" env-default:"30s"`
	// Retries of a versioned upsert after a concurrent version conflict
	UpsertMaxRetries int `env:"UPSERT_MAX_RETRIES" env-default:"3"`
	// Field mapping and seed file
	MetadataPath string `env:"METADATA_PATH" env-default:"config/metadata.yaml"`

	// Enable OTLP tracing export
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP transport, grpc or http
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`

	// Prometheus push gateway, empty disables pushing batch metrics
	PushGatewayURL string `env:"PUSHGATEWAY_URL" env-default:""`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.QuotaBackend {
	case QuotaBackendPostgres, QuotaBackendRedis, QuotaBackendMemory:
	default:
		return fmt.Errorf("unknown QUOTA_BACKEND %q", c.QuotaBackend)
	}
	if c.OTLPEnabled && c.OTLPProtocol != "grpc" && c.OTLPProtocol != "http" {
		return fmt.Errorf("unknown OTLP_PROTOCOL %q", c.OTLPProtocol)
	}
	if c.TokenLimit <= 0 {
		return fmt.Errorf("TOKEN_LIMIT must be positive, got %d", c.TokenLimit)
	}
	if c.QuotaWindow <= 0 {
		return fmt.Errorf("QUOTA_WINDOW must be positive, got %s", c.QuotaWindow)
	}
	if c.FetchWorkers <= 0 {
		return fmt.Errorf("FETCH_WORKERS must be positive, got %d", c.FetchWorkers)
	}
	return nil
}

// Credentials reads the comma-separated credential list of a service from the environment
// variable named in the metadata file. Blank entries are dropped.
func Credentials(envName string) []string {
	var out []string
	for _, c := range strings.Split(os.Getenv(envName), ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
