package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lexlapax/engram/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes(nil)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "ristretto", cfg.Cache.Driver)
	assert.Equal(t, "mock", cfg.Embedder.Provider)
	assert.Equal(t, 384, cfg.Embedder.Dimensions)

	assert.Equal(t, 0.7, cfg.Engine.LinkThreshold)
	assert.Equal(t, 5, cfg.Engine.LinkLimit)
	assert.Equal(t, 0.95, cfg.Engine.DecayFactor)
	assert.Equal(t, 30*24*time.Hour, cfg.Engine.DecayAfter)
	assert.Equal(t, time.Hour, cfg.Engine.RecallTTL)
	assert.Equal(t, 24*time.Hour, cfg.Engine.RecordTTL)

	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, time.Minute, cfg.Scheduler.Backoff)
	assert.EqualValues(t, 10, cfg.Scheduler.FeedbackThreshold)
	assert.Equal(t, log.InfoLevel, cfg.Logging.Level)
}

func TestLoadFromBytes_Overrides(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
store:
  driver: postgres
  pgvector:
    connection_string: postgres://engram@localhost/engram
cache:
  driver: redis
  redis:
    addr: redis:6379
    prefix: "test:"
embedder:
  provider: openai
  dimensions: 1536
  openai:
    api_key: sk-test
engine:
  link_threshold: 0.8
  recall_ttl: 10m
  decay_after: 720h
scheduler:
  enabled: false
  interval: 30m
  backoff: 5s
  feedback_threshold: 25
logging:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, "pgvector", cfg.Store.Driver)
	assert.Equal(t, "postgres://engram@localhost/engram", cfg.Store.PgVector.ConnectionString)
	assert.EqualValues(t, 10, cfg.Store.PgVector.MaxConns)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, "test:", cfg.Cache.Redis.Prefix)
	assert.Equal(t, 1536, cfg.Embedder.Dimensions)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedder.OpenAI.Model)

	assert.Equal(t, 0.8, cfg.Engine.LinkThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Engine.RecallTTL)
	assert.Equal(t, 0.5, cfg.Engine.RecallThreshold, "unset keys keep defaults")

	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Backoff)
	assert.EqualValues(t, 25, cfg.Scheduler.FeedbackThreshold)

	assert.Equal(t, log.DebugLevel, cfg.Logging.Level)
	assert.Equal(t, log.JSONFormat, cfg.Logging.Format)
}

func TestLoadFromBytes_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ENGRAM_STORE_DRIVER", "boltdb")
	t.Setenv("ENGRAM_BOLTDB_PATH", "/tmp/engram-test.bolt")
	t.Setenv("ENGRAM_REDIS_ADDR", "cache:6380")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("ENGRAM_LOG_LEVEL", "WARN")

	cfg, err := LoadFromBytes([]byte(`
embedder:
  provider: openai
`))
	require.NoError(t, err)

	assert.Equal(t, "boltdb", cfg.Store.Driver)
	assert.Equal(t, "/tmp/engram-test.bolt", cfg.Store.BoltDB.Path)
	assert.Equal(t, "cache:6380", cfg.Cache.Redis.Addr)
	assert.Equal(t, "sk-env", cfg.Embedder.OpenAI.APIKey)
	assert.Equal(t, log.WarnLevel, cfg.Logging.Level)
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown store":      "store: {driver: cassandra}",
		"pgvector no url":    "store: {driver: pgvector}",
		"unknown cache":      "cache: {driver: memcached}",
		"openai no key":      "embedder: {provider: openai}",
		"unknown embedder":   "embedder: {provider: word2vec}",
		"zero dimensions":    "embedder: {dimensions: 0}",
		"bad decay factor":   "engine: {decay_factor: 1.5}",
		"bad link threshold": "engine: {link_threshold: 1}",
		"bad backoff":        "scheduler: {backoff: 0s}",
		"scripts no dir":     "scripting: {enabled: true}",
		"s3 no bucket":       "backup: {target: s3}",
		"bad log level":      "logging: {level: loud}",
		"malformed yaml":     "store: [",
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("OPENAI_API_KEY", "")
			_, err := LoadFromBytes([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: memory\ncache:\n  driver: none\n"), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "none", cfg.Cache.Driver)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
