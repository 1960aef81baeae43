package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/lexlapax/engram/pkg/log"
	"gopkg.in/yaml.v3"
)

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from a byte slice. Values absent from
// the document keep their defaults.
func LoadFromBytes(data []byte) (*Config, error) {
	config := Default()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvironmentOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadDefault returns the defaults with environment overrides applied.
func LoadDefault() (*Config, error) {
	return LoadFromBytes(nil)
}

// applyEnvironmentOverrides applies environment variable overrides to the config.
func applyEnvironmentOverrides(config *Config) {
	if path := os.Getenv("ENGRAM_SQLITE_PATH"); path != "" {
		config.Store.SQLite.Path = path
	}

	if path := os.Getenv("ENGRAM_BOLTDB_PATH"); path != "" {
		config.Store.BoltDB.Path = path
	}

	// PgVector connection string override
	if connStr := os.Getenv("PGVECTOR_URL"); connStr != "" {
		config.Store.PgVector.ConnectionString = connStr
	}

	if driver := os.Getenv("ENGRAM_STORE_DRIVER"); driver != "" {
		config.Store.Driver = driver
	}

	// Redis configuration override
	if addr := os.Getenv("ENGRAM_REDIS_ADDR"); addr != "" {
		config.Cache.Redis.Addr = addr
	}

	// OpenAI API key override
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.Embedder.OpenAI.APIKey = apiKey
	}

	if bucket := os.Getenv("ENGRAM_S3_BUCKET"); bucket != "" {
		config.Backup.S3.Bucket = bucket
	}

	if level := os.Getenv("ENGRAM_LOG_LEVEL"); level != "" {
		config.Logging.Level = log.Level(strings.ToLower(level))
	}
}

// validateConfig validates the configuration and normalizes driver names.
func validateConfig(config *Config) error {
	config.Store.Driver = strings.ToLower(config.Store.Driver)
	switch config.Store.Driver {
	case "pgvector", "postgres":
		config.Store.Driver = "pgvector"
		if config.Store.PgVector.ConnectionString == "" {
			return fmt.Errorf("connection string is required for pgvector store")
		}
		if config.Store.PgVector.MaxConns <= 0 {
			config.Store.PgVector.MaxConns = 10
		}
	case "sqlite", "sqlite3":
		config.Store.Driver = "sqlite"
		if config.Store.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required for sqlite store")
		}
	case "boltdb", "bolt":
		config.Store.Driver = "boltdb"
		if config.Store.BoltDB.Path == "" {
			return fmt.Errorf("boltdb path is required for boltdb store")
		}
	case "memory", "mock":
		config.Store.Driver = "memory"
	default:
		return fmt.Errorf("unsupported store driver: %s", config.Store.Driver)
	}

	config.Cache.Driver = strings.ToLower(config.Cache.Driver)
	switch config.Cache.Driver {
	case "", "none":
		config.Cache.Driver = "none"
	case "ristretto", "memory":
		config.Cache.Driver = "ristretto"
	case "redis":
		if config.Cache.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for redis cache")
		}
	default:
		return fmt.Errorf("unsupported cache driver: %s", config.Cache.Driver)
	}

	if config.Embedder.Dimensions <= 0 {
		return fmt.Errorf("embedder dimensions must be positive")
	}
	config.Embedder.Provider = strings.ToLower(config.Embedder.Provider)
	switch config.Embedder.Provider {
	case "mock":
	case "openai":
		// The API key is usually supplied through OPENAI_API_KEY
		if config.Embedder.OpenAI.APIKey == "" {
			return fmt.Errorf("OpenAI API key is required for openai embedder")
		}
		if config.Embedder.OpenAI.Model == "" {
			config.Embedder.OpenAI.Model = "text-embedding-3-small"
		}
	default:
		return fmt.Errorf("unsupported embedder provider: %s", config.Embedder.Provider)
	}

	if err := config.Engine.Validate(); err != nil {
		return err
	}
	if config.Engine.RecallThreshold < -1 || config.Engine.RecallThreshold >= 1 {
		return fmt.Errorf("recall_threshold must be in [-1, 1), got %v", config.Engine.RecallThreshold)
	}
	if config.Engine.LinkThreshold < -1 || config.Engine.LinkThreshold >= 1 {
		return fmt.Errorf("link_threshold must be in [-1, 1), got %v", config.Engine.LinkThreshold)
	}

	if config.Scheduler.Interval <= 0 || config.Scheduler.Backoff <= 0 {
		return fmt.Errorf("scheduler interval and backoff must be positive")
	}
	if config.Scheduler.FeedbackThreshold < 0 {
		return fmt.Errorf("scheduler feedback_threshold must not be negative")
	}

	if config.Scripting.Enabled && config.Scripting.ScriptDir == "" {
		return fmt.Errorf("script_dir is required when scripting is enabled")
	}

	config.Backup.Target = strings.ToLower(config.Backup.Target)
	switch config.Backup.Target {
	case "", "file":
		config.Backup.Target = "file"
		if config.Backup.Dir == "" {
			config.Backup.Dir = "."
		}
	case "s3":
		if config.Backup.S3.Bucket == "" {
			return fmt.Errorf("bucket is required for s3 backup target")
		}
	default:
		return fmt.Errorf("unsupported backup target: %s", config.Backup.Target)
	}

	switch config.Logging.Level {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	case "":
		config.Logging.Level = log.InfoLevel
	default:
		return fmt.Errorf("unsupported log level: %s", config.Logging.Level)
	}
	switch config.Logging.Format {
	case log.TextFormat, log.JSONFormat:
	case "":
		config.Logging.Format = log.TextFormat
	default:
		return fmt.Errorf("unsupported log format: %s", config.Logging.Format)
	}

	return nil
}
