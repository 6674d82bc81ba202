package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the flightcored service.
type Config struct {
	// Server Configuration
	ListenAddr  string
	MetricsAddr string
	HealthAddr  string

	// Capture Configuration (C3/C4)
	ChunkSizeBytes int
	Compression    string // "none" | "gzip"

	// Signing Configuration (C13)
	SignerAlgorithm string // "ed25519" | "secp256k1"
	SigningKeyPath  string // path to a hex-encoded private key file; empty generates an ephemeral key

	// Storage Configuration (C11)
	StorageBackend        string // "memory" | "file" | "redis"
	StorageDir            string // used by the file backend
	RedisAddr             string
	RedisPrefix           string
	ReplicationMode       string // "all" | "any" | "quorum"
	ReplicationQuorumSize int

	// Witness Quorum Configuration (C9)
	QuorumMinWitnesses int
	QuorumTimeoutMs    int64

	// Batch Accumulator Configuration (C10)
	BatchCommitIntervalSeconds int

	// Safety Monitor Configuration (C8)
	MonitorRegistryPath string // YAML file describing the enabled monitor set

	// Service identity and logging
	AgentID  string
	LogLevel string

	// Messaging Configuration (event bus between capture, monitor, and
	// anchor workers)
	NATSURL string

	// Database Configuration (replay/audit index)
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds
}

// Load reads configuration from environment variables, applying safe
// defaults where the spec leaves a choice to the deployer.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("FLIGHTCORE_HOST", "0.0.0.0") + ":" + getEnv("FLIGHTCORE_PORT", "8080"),
		MetricsAddr: getEnv("FLIGHTCORE_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),
		HealthAddr:  getEnv("FLIGHTCORE_HOST", "0.0.0.0") + ":" + getEnv("HEALTH_CHECK_PORT", "8081"),

		ChunkSizeBytes: getEnvInt("CHUNK_SIZE_BYTES", 4*1024*1024),
		Compression:    getEnv("CHUNK_COMPRESSION", "none"),

		SignerAlgorithm: getEnv("SIGNER_ALGORITHM", "ed25519"),
		SigningKeyPath:  getEnv("SIGNING_KEY_PATH", ""),

		StorageBackend:        getEnv("STORAGE_BACKEND", "memory"),
		StorageDir:            getEnv("STORAGE_DIR", "./data/blobs"),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPrefix:           getEnv("REDIS_PREFIX", "flightcore:"),
		ReplicationMode:       getEnv("REPLICATION_MODE", "all"),
		ReplicationQuorumSize: getEnvInt("REPLICATION_QUORUM_SIZE", 2),

		QuorumMinWitnesses: getEnvInt("QUORUM_MIN_WITNESSES", 2),
		QuorumTimeoutMs:    getEnvInt64("QUORUM_TIMEOUT_MS", 30000),

		BatchCommitIntervalSeconds: getEnvInt("BATCH_COMMIT_INTERVAL_SECONDS", 60),

		MonitorRegistryPath: getEnv("MONITOR_REGISTRY_PATH", ""),

		AgentID:  getEnv("AGENT_ID", "flightcore-agent"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),

		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and
// internally consistent. Call this after Load() before starting the
// service.
func (c *Config) Validate() error {
	var errs []string

	switch c.SignerAlgorithm {
	case "ed25519", "secp256k1":
	default:
		errs = append(errs, fmt.Sprintf("SIGNER_ALGORITHM %q is not one of ed25519, secp256k1", c.SignerAlgorithm))
	}

	switch c.StorageBackend {
	case "memory", "file", "redis":
	default:
		errs = append(errs, fmt.Sprintf("STORAGE_BACKEND %q is not one of memory, file, redis", c.StorageBackend))
	}

	switch c.ReplicationMode {
	case "all", "any", "quorum":
	default:
		errs = append(errs, fmt.Sprintf("REPLICATION_MODE %q is not one of all, any, quorum", c.ReplicationMode))
	}
	if c.ReplicationMode == "quorum" && c.ReplicationQuorumSize <= 0 {
		errs = append(errs, "REPLICATION_QUORUM_SIZE must be positive when REPLICATION_MODE=quorum")
	}

	if c.ChunkSizeBytes <= 0 {
		errs = append(errs, "CHUNK_SIZE_BYTES must be positive")
	}
	switch c.Compression {
	case "none", "gzip":
	default:
		errs = append(errs, fmt.Sprintf("CHUNK_COMPRESSION %q is not one of none, gzip", c.Compression))
	}

	if c.QuorumMinWitnesses <= 0 {
		errs = append(errs, "QUORUM_MIN_WITNESSES must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
