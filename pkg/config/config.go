package config

import (
	"time"

	"github.com/lexlapax/engram/pkg/engine"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/scheduler"
	"github.com/lexlapax/engram/pkg/scripting"
)

// Config represents the top-level configuration for engram.
type Config struct {
	// Store configures the durable store
	Store StoreConfig `yaml:"store"`

	// Cache configures the acceleration cache
	Cache CacheConfig `yaml:"cache"`

	// Embedder configures how text is turned into vectors
	Embedder EmbedderConfig `yaml:"embedder"`

	// Engine configures recall, linking and consolidation parameters
	Engine engine.Config `yaml:"engine"`

	// Scheduler configures the background consolidation loop
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Scripting configures the Lua maintenance hooks
	Scripting scripting.Config `yaml:"scripting"`

	// Backup configures where exports are written
	Backup BackupConfig `yaml:"backup"`

	// Logging configures the logging behavior
	Logging log.Config `yaml:"logging"`
}

// StoreConfig configures the durable store.
type StoreConfig struct {
	// Driver is the store backend ("pgvector", "sqlite", "boltdb", "memory")
	Driver string `yaml:"driver"`

	// PgVector configures PostgreSQL with the pgvector extension
	PgVector PgVectorConfig `yaml:"pgvector"`

	// SQLite configures the single-node SQL store
	SQLite SQLiteConfig `yaml:"sqlite"`

	// BoltDB configures the embedded key-value store
	BoltDB BoltDBConfig `yaml:"boltdb"`
}

// PgVectorConfig configures PostgreSQL with pgvector extension
type PgVectorConfig struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string `yaml:"connection_string"`

	// MaxConns caps the connection pool
	MaxConns int32 `yaml:"max_conns"`

	// AutoMigrate applies pending migrations at startup
	AutoMigrate bool `yaml:"auto_migrate"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file
	Path string `yaml:"path"`

	// BusyTimeout is how long a writer waits for the database lock
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// BoltDBConfig configures the bbolt store.
type BoltDBConfig struct {
	// Path is the database file
	Path string `yaml:"path"`
}

// CacheConfig configures the cache layer.
type CacheConfig struct {
	// Driver is the cache backend ("redis", "ristretto", "none")
	Driver string `yaml:"driver"`

	// Redis configures the shared Redis cache
	Redis RedisConfig `yaml:"redis"`

	// Ristretto configures the in-process cache
	Ristretto RistrettoConfig `yaml:"ristretto"`
}

// RedisConfig configures Redis connection.
type RedisConfig struct {
	// Addr is the Redis server address
	Addr string `yaml:"addr"`

	// Password is the Redis password (optional)
	Password string `yaml:"password"`

	// DB is the Redis database number
	DB int `yaml:"db"`

	// Prefix namespaces every key
	Prefix string `yaml:"prefix"`
}

// RistrettoConfig sizes the in-process cache.
type RistrettoConfig struct {
	// MaxCost is the byte budget of cached values
	MaxCost int64 `yaml:"max_cost"`

	// NumCounters is the number of admission counters
	NumCounters int64 `yaml:"num_counters"`
}

// EmbedderConfig configures the embedder.
type EmbedderConfig struct {
	// Provider is the embedding provider ("openai", "mock")
	Provider string `yaml:"provider"`

	// Dimensions is the vector width shared by the embedder and the store
	Dimensions int `yaml:"dimensions"`

	// OpenAI configures OpenAI integration
	OpenAI OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig configures OpenAI integration.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key
	APIKey string `yaml:"api_key"`

	// Model is the embedding model
	Model string `yaml:"model"`

	// BaseURL overrides the API endpoint
	BaseURL string `yaml:"base_url"`
}

// SchedulerConfig configures the background consolidation loop.
type SchedulerConfig struct {
	// Enabled starts the loop in serve mode
	Enabled bool `yaml:"enabled"`

	scheduler.Config `yaml:",inline"`
}

// BackupConfig configures export destinations.
type BackupConfig struct {
	// Target is where snapshots are written ("file", "s3")
	Target string `yaml:"target"`

	// Dir is the output directory for the file target
	Dir string `yaml:"dir"`

	// S3 configures the object storage target
	S3 S3Config `yaml:"s3"`
}

// S3Config configures snapshot uploads to S3 compatible storage.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// Default returns a configuration that runs entirely in process: a SQLite
// store, a ristretto cache and the deterministic mock embedder.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			PgVector: PgVectorConfig{
				MaxConns:    10,
				AutoMigrate: true,
			},
			SQLite: SQLiteConfig{
				Path:        "engram.db",
				BusyTimeout: 5 * time.Second,
			},
			BoltDB: BoltDBConfig{
				Path: "engram.bolt",
			},
		},
		Cache: CacheConfig{
			Driver: "ristretto",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "engram:",
			},
			Ristretto: RistrettoConfig{
				MaxCost:     64 << 20,
				NumCounters: 1e6,
			},
		},
		Embedder: EmbedderConfig{
			Provider:   "mock",
			Dimensions: 384,
			OpenAI: OpenAIConfig{
				Model: "text-embedding-3-small",
			},
		},
		Engine: engine.DefaultConfig(),
		Scheduler: SchedulerConfig{
			Enabled: true,
			Config:  scheduler.DefaultConfig(),
		},
		Scripting: scripting.DefaultConfig(),
		Backup: BackupConfig{
			Target: "file",
			Dir:    ".",
		},
		Logging: log.DefaultConfig(),
	}
}
