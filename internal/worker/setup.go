// Package worker wires the engine's dependencies and registers workflows
// and activities with Temporal workers, one per task queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/amarmakonis/assessment-engine/internal/config"
	"github.com/amarmakonis/assessment-engine/internal/llm"
	"github.com/amarmakonis/assessment-engine/internal/storage"
	"github.com/amarmakonis/assessment-engine/internal/store"
)

// Dependencies bundles everything the activity sets need.
type Dependencies struct {
	Config *config.Config
	Store  *store.Store
	Files  storage.Provider
	LLM    llm.Client
	Locker store.Locker
	Logger *slog.Logger
}

// BuildDependencies constructs the production dependency set from
// configuration: the LLM gateway chain, the state store (Postgres when a DSN
// is configured, in-memory otherwise), object storage, and the Redis locker.
func BuildDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	client := llm.NewClient(llm.Options{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.Model,
		CallTimeout: cfg.CallTimeout,
		MaxRetries:  cfg.MaxLLMRetries,
		Logger:      logger,
	})

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	files, err := buildStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var locker store.Locker
	if cfg.RedisAddr != "" {
		locker = store.NewRedisLocker(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}

	return &Dependencies{
		Config: cfg,
		Store:  st,
		Files:  files,
		LLM:    client,
		Locker: locker,
		Logger: logger,
	}, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if cfg.PostgresDSN == "" {
		return store.NewMemoryStore(), nil
	}
	if err := store.Migrate(cfg.PostgresDSN); err != nil {
		return nil, fmt.Errorf("migrate state store: %w", err)
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open state store pool: %w", err)
	}
	return store.NewPostgresStore(pool), nil
}

func buildStorage(ctx context.Context, cfg *config.Config) (storage.Provider, error) {
	switch cfg.StorageBackend {
	case "s3":
		return storage.NewS3Provider(ctx, cfg.S3Region, cfg.S3Bucket, cfg.S3Endpoint)
	default:
		return storage.NewLocalProvider(cfg.LocalStorePath)
	}
}
