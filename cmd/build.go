package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/l0p7/offlinecache/internal/config"
	"github.com/l0p7/offlinecache/internal/storage"
	"github.com/l0p7/offlinecache/internal/syncqueue"
	"github.com/l0p7/offlinecache/internal/templates"
)

// buildStorage opens the configured generation backend. A redis backend that
// cannot be reached degrades to memory; generations are rebuilt by install.
func buildStorage(logger *slog.Logger, cfg config.StorageConfig) (storage.Storage, error) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory cache storage")
		return storage.NewMemory(), nil
	case "redis":
		store, err := storage.NewRedis(storage.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TLS: storage.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache storage initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache storage")
			return storage.NewMemory(), nil
		}
		logger.Info("using redis cache storage", slog.String("address", cfg.Redis.Address))
		return store, nil
	case "leveldb":
		store, err := storage.NewLevelDB(cfg.LevelDB.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("using leveldb cache storage", slog.String("path", cfg.LevelDB.Path))
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %s", storage.ErrUnsupportedBackend, cfg.Backend)
	}
}

func buildQueue(cfg config.SyncConfig) (syncqueue.Queue, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "", "memory":
		return syncqueue.NewMemory(), nil
	case "leveldb":
		return syncqueue.NewLevelDB(cfg.Path)
	default:
		return nil, fmt.Errorf("sync backend unsupported: %s", cfg.Backend)
	}
}

func buildReplayer(logger *slog.Logger, cfg config.Config) (*syncqueue.HTTPReplayer, error) {
	var sandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.Server.Templates.TemplatesFolder); folder != "" {
		s, err := templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			sandbox = s
		}
	}
	return syncqueue.NewHTTPReplayer(templates.NewRenderer(sandbox), cfg.Sync.Replay.URLTemplate, cfg.Server.Origin, cfg.Sync.Replay.ReplayTimeoutDuration())
}

func closeStorage(logger *slog.Logger, store storage.Storage) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := store.Close(ctx); err != nil {
		logger.Error("cache storage shutdown failed", slog.Any("error", err))
	}
}
