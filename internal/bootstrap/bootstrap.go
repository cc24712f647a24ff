// Package bootstrap assembles the runtime stack the binaries share:
// embedding provider, storage backend, quality scorer, and memory
// service, all built from configuration. Backends are cached in the
// storage registry so the MCP and HTTP surfaces running in one process
// reuse a single instance.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/scrypster/keepsake/internal/config"
	"github.com/scrypster/keepsake/internal/consolidation"
	"github.com/scrypster/keepsake/internal/embedding"
	"github.com/scrypster/keepsake/internal/quality"
	"github.com/scrypster/keepsake/internal/service"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/internal/storage/cloudflare"
	"github.com/scrypster/keepsake/internal/storage/hybrid"
	"github.com/scrypster/keepsake/internal/storage/pgvector"
	"github.com/scrypster/keepsake/internal/storage/sqlitevec"
)

// NewEmbedder builds the configured embedding provider, wrapped in the
// LRU vector cache. Construction performs no network I/O.
func NewEmbedder(cfg *config.Config) (embedding.Provider, error) {
	var inner embedding.Provider
	if cfg.Embedding.UsesExternal() {
		inner = embedding.NewExternalProvider(embedding.ExternalConfig{
			BaseURL:   cfg.Embedding.ExternalURL,
			APIKey:    cfg.Embedding.ExternalAPIKey,
			Model:     cfg.Embedding.ExternalModel,
			Dimension: cfg.Embedding.Dimension,
		})
	} else {
		inner = embedding.NewOllamaProvider(embedding.OllamaConfig{
			BaseURL:   cfg.Embedding.OllamaURL,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
		})
	}
	return embedding.NewCachedProvider(inner, 0)
}

// NewQualityProvider builds the configured quality scorer. Returns nil
// for the "none" provider; the service treats a nil scorer as disabled.
func NewQualityProvider(cfg *config.Config) (quality.Provider, error) {
	switch cfg.Quality.Provider {
	case config.QualityNone:
		return nil, nil
	case config.QualityExternal:
		return quality.NewExternalProvider(quality.ExternalConfig{
			BaseURL: cfg.Quality.ExternalURL,
			APIKey:  cfg.Quality.ExternalAPIKey,
		})
	default:
		return quality.NewImplicitProvider(), nil
	}
}

// OpenStorage opens the configured backend through the shared registry
// and initializes it. role identifies this process to the hybrid sync
// engine ("http" or "rpc"); other backends ignore it.
func OpenStorage(ctx context.Context, cfg *config.Config, embedder embedding.Provider, role string) (storage.Storage, error) {
	key := storage.Key(cfg.Storage.Backend, storageLocation(cfg))
	return storage.Shared().GetOrCreate(key, func() (storage.Storage, error) {
		store, err := buildBackend(cfg, embedder, role)
		if err != nil {
			return nil, err
		}
		if err := store.Initialize(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("initialize %s backend: %w", cfg.Storage.Backend, err)
		}
		return store, nil
	})
}

func buildBackend(cfg *config.Config, embedder embedding.Provider, role string) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLiteVec:
		return sqlitevec.New(cfg.Storage.SQLitePath, embedder,
			sqlitevec.WithPragmas(cfg.Storage.SQLitePragmas))
	case config.BackendPgvector:
		return pgvector.New(cfg.Storage.PgvectorDSN, embedder)
	case config.BackendCloudflare:
		return cloudflare.New(cloudflareConfig(cfg), embedder)
	case config.BackendHybrid:
		primary, err := sqlitevec.New(cfg.Storage.SQLitePath, embedder,
			sqlitevec.WithPragmas(cfg.Storage.SQLitePragmas))
		if err != nil {
			return nil, fmt.Errorf("hybrid primary: %w", err)
		}
		secondary, err := cloudflare.New(cloudflareConfig(cfg), embedder)
		if err != nil {
			_ = primary.Close()
			return nil, fmt.Errorf("hybrid secondary: %w", err)
		}
		return hybrid.New(primary, secondary, hybrid.Config{
			Owner:                  cfg.Hybrid.SyncOwner,
			Role:                   role,
			QueueSize:              cfg.Hybrid.MaxQueueSize,
			BatchSize:              cfg.Hybrid.BatchSize,
			DriftInterval:          cfg.Hybrid.DriftInterval,
			DriftBatchSize:         cfg.Hybrid.DriftBatchSize,
			NoUpdateSync:           !cfg.Hybrid.SyncUpdates,
			TombstoneRetentionDays: cfg.Hybrid.TombstoneRetentionDays,
		})
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", storage.ErrInvalidInput, cfg.Storage.Backend)
	}
}

func cloudflareConfig(cfg *config.Config) cloudflare.Config {
	return cloudflare.Config{
		AccountID:      cfg.Cloudflare.AccountID,
		APIToken:       cfg.Cloudflare.APIToken,
		D1DatabaseID:   cfg.Cloudflare.D1DatabaseID,
		VectorizeIndex: cfg.Cloudflare.VectorizeIndex,
		R2Bucket:       cfg.Cloudflare.R2Bucket,
	}
}

// storageLocation is the path component of the registry key: the thing
// that makes two configurations the same backend instance.
func storageLocation(cfg *config.Config) string {
	switch cfg.Storage.Backend {
	case config.BackendPgvector:
		return cfg.Storage.PgvectorDSN
	case config.BackendCloudflare:
		return cfg.Cloudflare.AccountID + "/" + cfg.Cloudflare.D1DatabaseID
	default:
		return cfg.Storage.SQLitePath
	}
}

// NewService returns the shared memory service for store, configured
// from the memory section.
func NewService(store storage.Storage, embedder embedding.Provider, qp quality.Provider, cfg *config.Config) *service.MemoryService {
	return service.For(store, embedder, qp, service.Config{
		AutoSplit:          cfg.Memory.AutoSplit,
		SplitOverlap:       cfg.Memory.SplitOverlap,
		PreserveBoundaries: cfg.Memory.PreserveBoundaries,
		MaxResponseChars:   cfg.Memory.MaxResponseChars,
		IncludeHostname:    cfg.Memory.IncludeHostname,
	})
}

// NewConsolidation builds the consolidation engine and its scheduler
// when consolidation is enabled; both are nil otherwise.
func NewConsolidation(store storage.Storage, cfg *config.Config) (*consolidation.Engine, *consolidation.Scheduler, error) {
	if !cfg.Consolidation.Enabled {
		return nil, nil, nil
	}
	mode, err := consolidation.ParseGraphMode(cfg.Consolidation.GraphMode)
	if err != nil {
		return nil, nil, err
	}
	engine := consolidation.New(store, consolidation.Config{
		BoostEnabled:           cfg.Consolidation.QualityBoostEnabled,
		MinConnectionsForBoost: cfg.Consolidation.MinConnectionsForBoost,
		QualityBoostFactor:     cfg.Consolidation.QualityBoostFactor,
		GraphMode:              mode,
	})
	scheduler, err := consolidation.NewScheduler(engine, consolidation.SchedulerConfig{
		Daily:   cfg.Consolidation.Daily,
		Weekly:  cfg.Consolidation.Weekly,
		Monthly: cfg.Consolidation.Monthly,
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, scheduler, nil
}
