// Package engram assembles a memory engine from configuration: the durable
// store, the cache, the embedder, the optional Lua maintenance hooks, the
// consolidation scheduler and the backup writer.
package engram

import (
	"context"
	"fmt"

	"github.com/lexlapax/engram/pkg/backup"
	"github.com/lexlapax/engram/pkg/cache"
	"github.com/lexlapax/engram/pkg/cache/redis"
	"github.com/lexlapax/engram/pkg/cache/ristretto"
	"github.com/lexlapax/engram/pkg/config"
	embedmock "github.com/lexlapax/engram/pkg/embed/mock"
	"github.com/lexlapax/engram/pkg/embed/openai"
	"github.com/lexlapax/engram/pkg/engine"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/memory"
	"github.com/lexlapax/engram/pkg/memory/store/boltdb"
	storemock "github.com/lexlapax/engram/pkg/memory/store/mock"
	"github.com/lexlapax/engram/pkg/memory/store/pgvector"
	"github.com/lexlapax/engram/pkg/memory/store/sqlite"
	"github.com/lexlapax/engram/pkg/scheduler"
	"github.com/lexlapax/engram/pkg/scripting"
)

// Engram owns every component built from a configuration.
type Engram struct {
	// Engine serves the memory operations
	Engine *engine.Engine

	// Scheduler is nil when background consolidation is disabled
	Scheduler *scheduler.Scheduler

	config  *config.Config
	store   memory.Store
	cache   cache.Cache
	scripts scripting.Engine
	backup  backup.Writer
}

// NewFromConfig builds every component. On failure anything already opened
// is closed again.
func NewFromConfig(ctx context.Context, cfg *config.Config) (_ *Engram, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engram{config: cfg}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	if e.store, err = NewStore(ctx, cfg.Store, cfg.Embedder.Dimensions); err != nil {
		return nil, err
	}
	if e.cache, err = NewCache(ctx, cfg.Cache); err != nil {
		return nil, err
	}

	embedder, err := NewEmbedder(cfg.Embedder)
	if err != nil {
		return nil, err
	}

	e.Engine, err = engine.New(e.store, e.cache, embedder, cfg.Engine)
	if err != nil {
		return nil, err
	}

	var opts []scheduler.Option
	if cfg.Scripting.Enabled {
		lua, err := scripting.NewLuaEngine(cfg.Scripting)
		if err != nil {
			return nil, err
		}
		e.scripts = lua
		if err := lua.LoadScriptDir(cfg.Scripting.ScriptDir); err != nil {
			return nil, err
		}
		opts = append(opts, scheduler.WithHooks(scripting.NewHooks(lua)))
	}
	if cfg.Scheduler.Enabled {
		e.Scheduler = scheduler.New(e.Engine, cfg.Scheduler.Config, opts...)
	}

	if e.backup, err = backup.New(ctx, cfg.Backup); err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "Engram initialized",
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Driver,
		"embedder", cfg.Embedder.Provider,
		"dimensions", cfg.Embedder.Dimensions,
		"scheduler", cfg.Scheduler.Enabled,
		"scripting", cfg.Scripting.Enabled,
	)
	return e, nil
}

// NewStore opens the durable store selected by cfg.Driver.
func NewStore(ctx context.Context, cfg config.StoreConfig, dimensions int) (memory.Store, error) {
	switch cfg.Driver {
	case "pgvector":
		store, err := pgvector.New(ctx, pgvector.Config{
			ConnectionString: cfg.PgVector.ConnectionString,
			Dimensions:       dimensions,
			MaxConns:         cfg.PgVector.MaxConns,
			AutoMigrate:      cfg.PgVector.AutoMigrate,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.SQLite.Path, cfg.SQLite.BusyTimeout)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "boltdb":
		store, err := boltdb.Open(ctx, cfg.BoltDB.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return storemock.NewMockStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// NewCache builds the cache selected by cfg.Driver. "none" yields a cache
// that never hits.
func NewCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Driver {
	case "", "none":
		return cache.Nop{}, nil
	case "ristretto":
		c, err := ristretto.New(ristretto.Config{
			MaxCost:     cfg.Ristretto.MaxCost,
			NumCounters: cfg.Ristretto.NumCounters,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "redis":
		c, err := redis.New(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s", cfg.Driver)
	}
}

// NewEmbedder builds the embedder selected by cfg.Provider.
func NewEmbedder(cfg config.EmbedderConfig) (memory.Embedder, error) {
	switch cfg.Provider {
	case "mock":
		return embedmock.New(embedmock.WithDimensions(cfg.Dimensions)), nil
	case "openai":
		embedder, err := openai.New(openai.Config{
			APIKey:     cfg.OpenAI.APIKey,
			Model:      cfg.OpenAI.Model,
			Dimensions: cfg.Dimensions,
			BaseURL:    cfg.OpenAI.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return embedder, nil
	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s", cfg.Provider)
	}
}

// Config returns the configuration the components were built from.
func (e *Engram) Config() *config.Config {
	return e.config
}

// Start launches background consolidation when it is enabled.
func (e *Engram) Start(ctx context.Context) error {
	if e.Scheduler == nil {
		log.DebugContext(ctx, "Consolidation scheduler disabled")
		return nil
	}
	return e.Scheduler.Start(ctx)
}

// Backup exports every memory and writes the snapshot to the configured
// target. It returns the snapshot location and its statistics.
func (e *Engram) Backup(ctx context.Context) (string, memory.Statistics, error) {
	snapshot, err := e.Engine.ExportAll(ctx)
	if err != nil {
		return "", memory.Statistics{}, err
	}
	location, err := e.backup.Write(ctx, snapshot)
	if err != nil {
		return "", memory.Statistics{}, errors.Wrap(err, "failed to write snapshot")
	}
	log.InfoContext(ctx, "Snapshot exported",
		"location", location,
		"records", snapshot.Statistics.TotalRecords,
		"feedback_events", snapshot.Statistics.TotalFeedback,
	)
	return location, snapshot.Statistics, nil
}

// Close stops the scheduler and releases the scripting engine, the cache and
// the store, in that order.
func (e *Engram) Close() error {
	if e.Scheduler != nil {
		e.Scheduler.Stop()
	}

	var errs []error
	if e.scripts != nil {
		errs = append(errs, e.scripts.Close())
	}
	if e.cache != nil {
		errs = append(errs, e.cache.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}
