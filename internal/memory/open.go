package memory

import (
	"context"
	"fmt"
	"log/slog"

	"claudechat/internal/config"
	"claudechat/internal/domain"
)

// Open returns the conversation store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (domain.ConversationStore, error) {
	switch cfg.Backend {
	case "", "sqlite":
		logger.Debug("opening sqlite store", "path", cfg.DBPath)
		return NewSQLiteStore(ctx, cfg.DBPath, logger)
	case "redis":
		logger.Debug("opening redis store", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
		return NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
