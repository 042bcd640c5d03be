package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"spendguard/internal/config"
)

// Purger is implemented by backends that keep expired rows until swept.
type Purger interface {
	Purge(ctx context.Context) error
}

// Open builds the backend selected by configuration.
func Open(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		logger.Warn().Msg("memory storage backend selected; state is per-process and lost on exit")
		return NewMemory(), nil
	case config.BackendRedis:
		backend, err := NewRedis(ctx, RedisOptions{
			Addr:        cfg.Redis.Addr,
			Username:    cfg.Redis.Username,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			KeyPrefix:   cfg.KeyPrefix,
			DialTimeout: cfg.Redis.DialTimeout,
			LockLease:   cfg.Redis.LockLease,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis storage backend connected")
		return backend, nil
	case config.BackendPostgres:
		pool, err := NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		logger.Info().Msg("postgres storage backend connected")
		return NewPostgres(pool), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
