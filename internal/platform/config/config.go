package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	pkgstrings "factora/pkg/platform/strings"
)

// Config is the process configuration, built from environment variables so
// main stays lean.
type Config struct {
	Server   Server
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Audit    AuditConfig
	Cache    CacheConfig
	Outbox   OutboxConfig
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr     string
	LogLevel string
	// TokenSigningKey verifies the principal tokens minted by the upstream
	// identity gateway. Authentication itself happens upstream.
	TokenSigningKey string
	TokenIssuer     string
	// TxTimeout bounds a single mutation transaction.
	TxTimeout time.Duration
	// BootstrapAdminID, when set, is created as an active admin at startup if
	// no principal with that ID exists yet.
	BootstrapAdminID string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Migrate applies pending schema migrations at startup.
	Migrate bool
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// FanIn feeds the local change hub from Redis instead of from this
	// instance's own commits, so every instance streams every commit.
	FanIn bool
}

type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
	Partitions  int32
	Replication int16
}

type AuditConfig struct {
	// HashAlgorithm is "sha256" (default) or "blake3".
	HashAlgorithm string
	// VerifyLimit caps the number of events a single verify call walks.
	VerifyLimit int
}

// CacheConfig sizes the principal scope cache. Scope decisions older than
// TTL are never used.
type CacheConfig struct {
	PrincipalTTL  time.Duration
	PrincipalSize int
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// Load builds a Config from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		Server: Server{
			Addr:             getEnv("FACTORA_ADDR", ":8080"),
			LogLevel:         getEnv("LOG_LEVEL", "info"),
			TokenSigningKey:  getEnv("PRINCIPAL_TOKEN_KEY", "dev-secret-key-change-in-production"),
			TokenIssuer:      getEnv("PRINCIPAL_TOKEN_ISSUER", "factora-gateway"),
			TxTimeout:        getDuration("TX_TIMEOUT", 5*time.Second),
			BootstrapAdminID: os.Getenv("BOOTSTRAP_ADMIN_ID"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			Migrate:         getEnv("DATABASE_MIGRATE", "true") == "true",
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			FanIn:        getEnv("REDIS_FANIN", "false") == "true",
		},
		Kafka: KafkaConfig{
			Brokers:     pkgstrings.SplitList(os.Getenv("KAFKA_BROKERS")),
			TopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", "factora"),
			Partitions:  int32(getInt("KAFKA_PARTITIONS", 6)),
			Replication: int16(getInt("KAFKA_REPLICATION", 1)),
		},
		Audit: AuditConfig{
			HashAlgorithm: getEnv("AUDIT_HASH_ALGORITHM", "sha256"),
			VerifyLimit:   getInt("AUDIT_VERIFY_LIMIT", 10000),
		},
		Cache: CacheConfig{
			PrincipalTTL:  getDuration("PRINCIPAL_CACHE_TTL", 30*time.Second),
			PrincipalSize: getInt("PRINCIPAL_CACHE_SIZE", 4096),
		},
		Outbox: OutboxConfig{
			PollInterval: getDuration("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
			BatchSize:    getInt("OUTBOX_BATCH_SIZE", 100),
			MaxAttempts:  getInt("OUTBOX_MAX_ATTEMPTS", 10),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would weaken the core's guarantees.
func (c Config) Validate() error {
	switch c.Audit.HashAlgorithm {
	case "sha256", "blake3":
	default:
		return fmt.Errorf("unsupported audit hash algorithm %q", c.Audit.HashAlgorithm)
	}
	if c.Audit.VerifyLimit <= 0 {
		return fmt.Errorf("audit verify limit must be positive")
	}
	if c.Cache.PrincipalTTL <= 0 || c.Cache.PrincipalTTL > 5*time.Minute {
		return fmt.Errorf("principal cache ttl must be within (0, 5m], got %s", c.Cache.PrincipalTTL)
	}
	if c.Cache.PrincipalSize <= 0 {
		return fmt.Errorf("principal cache size must be positive")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox batch size and max attempts must be positive")
	}
	if c.Redis.FanIn && c.Redis.URL == "" {
		return fmt.Errorf("redis fan-in requires REDIS_URL")
	}
	if c.Server.TokenSigningKey == "" {
		return fmt.Errorf("principal token key is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
