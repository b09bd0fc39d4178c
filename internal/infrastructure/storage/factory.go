package storage

import (
	"context"
	"fmt"

	"github.com/erp/dashsync/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Open creates the store selected by cfg.Driver
func Open(ctx context.Context, cfg config.StorageConfig, logLevel string, log *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn("Using in-memory persistent store; token and last-seen markers will not survive restarts")
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, log, logLevel)
	case "redis":
		return NewRedisStore(ctx, RedisConfig{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
