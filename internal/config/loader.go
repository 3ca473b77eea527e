package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the non-empty config paths the loader reads, in order.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if strings.TrimSpace(path) != "" {
			out = append(out, path)
		}
	}
	return out
}

// Load assembles the effective snapshot so the lifecycle agent can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	source := ""
	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
		source = path
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader": "server.logging.correlationHeader",
			"server.templates.templatesfolder": "server.templates.templatesFolder",
			"storage.redis.keyprefix":          "storage.redis.keyPrefix",
			"storage.redis.tls.cafile":         "storage.redis.tls.caFile",
			"controller.cacheprefix":           "controller.cachePrefix",
			"controller.apiprefix":             "controller.apiPrefix",
			"controller.fetchtimeout":          "controller.fetchTimeout",
			"controller.skipwaiting":           "controller.skipWaiting",
			"controller.backgroundlimit":       "controller.backgroundLimit",
			"controller.backgroundtimeout":     "controller.backgroundTimeout",
			"controller.notificationicon":      "controller.notificationIcon",
			"sync.replay.urltemplate":          "sync.replay.urlTemplate",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if source != "" {
		if abs, err := filepath.Abs(source); err == nil {
			source = abs
		}
	}
	cfg.Source = source
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	routes := make([]any, 0, len(cfg.Controller.Routes))
	for _, route := range cfg.Controller.Routes {
		routes = append(routes, map[string]any{
			"match":    route.Match,
			"strategy": route.Strategy,
		})
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"origin": cfg.Server.Origin,
			"templates": map[string]any{
				"templatesFolder": cfg.Server.Templates.TemplatesFolder,
			},
		},
		"storage": map[string]any{
			"backend": cfg.Storage.Backend,
			"redis": map[string]any{
				"address":   cfg.Storage.Redis.Address,
				"username":  cfg.Storage.Redis.Username,
				"password":  cfg.Storage.Redis.Password,
				"db":        cfg.Storage.Redis.DB,
				"keyPrefix": cfg.Storage.Redis.KeyPrefix,
				"tls": map[string]any{
					"enabled": cfg.Storage.Redis.TLS.Enabled,
					"caFile":  cfg.Storage.Redis.TLS.CAFile,
				},
			},
			"leveldb": map[string]any{
				"path": cfg.Storage.LevelDB.Path,
			},
		},
		"controller": map[string]any{
			"cachePrefix": cfg.Controller.CachePrefix,
			"versions": map[string]any{
				"static": cfg.Controller.Versions.Static,
				"images": cfg.Controller.Versions.Images,
				"data":   cfg.Controller.Versions.Data,
			},
			"apiPrefix":         cfg.Controller.APIPrefix,
			"fetchTimeout":      cfg.Controller.FetchTimeout,
			"skipWaiting":       cfg.Controller.SkipWaiting,
			"backgroundLimit":   cfg.Controller.BackgroundLimit,
			"backgroundTimeout": cfg.Controller.BackgroundTimeout,
			"staticAssets":      append([]string(nil), cfg.Controller.StaticAssets...),
			"imageAssets":       append([]string(nil), cfg.Controller.ImageAssets...),
			"placeholder":       cfg.Controller.Placeholder,
			"shell":             cfg.Controller.Shell,
			"notificationIcon":  cfg.Controller.NotificationIcon,
			"routes":            routes,
		},
		"sync": map[string]any{
			"tag":      cfg.Sync.Tag,
			"backend":  cfg.Sync.Backend,
			"path":     cfg.Sync.Path,
			"schedule": cfg.Sync.Schedule,
			"replay": map[string]any{
				"urlTemplate": cfg.Sync.Replay.URLTemplate,
				"timeout":     cfg.Sync.Replay.Timeout,
			},
		},
	}
}
