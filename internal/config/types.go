package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every option the controller, storage, and sync agents consume.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Controller ControllerConfig `koanf:"controller"`
	Sync       SyncConfig       `koanf:"sync"`

	// Source records the config file the loader read, if any. The watcher uses
	// it to decide what to observe; it never comes from input documents.
	Source string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Origin    string          `koanf:"origin"`
	Templates TemplatesConfig `koanf:"templates"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// TemplatesConfig captures the template sandbox root used by replay templates.
type TemplatesConfig struct {
	TemplatesFolder string `koanf:"templatesFolder"`
}

type StorageConfig struct {
	Backend string               `koanf:"backend"`
	Redis   StorageRedisConfig   `koanf:"redis"`
	LevelDB StorageLevelDBConfig `koanf:"leveldb"`
}

type StorageRedisConfig struct {
	Address   string                `koanf:"address"`
	Username  string                `koanf:"username"`
	Password  string                `koanf:"password"`
	DB        int                   `koanf:"db"`
	KeyPrefix string                `koanf:"keyPrefix"`
	TLS       StorageRedisTLSConfig `koanf:"tls"`
}

type StorageRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type StorageLevelDBConfig struct {
	Path string `koanf:"path"`
}

// ControllerConfig mirrors the knobs of the offline cache controller: generation
// naming, request classification, and the app-shell inventory.
type ControllerConfig struct {
	CachePrefix       string         `koanf:"cachePrefix"`
	Versions          VersionsConfig `koanf:"versions"`
	APIPrefix         string         `koanf:"apiPrefix"`
	FetchTimeout      string         `koanf:"fetchTimeout"`
	SkipWaiting       bool           `koanf:"skipWaiting"`
	BackgroundLimit   int            `koanf:"backgroundLimit"`
	BackgroundTimeout string         `koanf:"backgroundTimeout"`
	StaticAssets      []string       `koanf:"staticAssets"`
	ImageAssets       []string       `koanf:"imageAssets"`
	Placeholder       string         `koanf:"placeholder"`
	Shell             string         `koanf:"shell"`
	NotificationIcon  string         `koanf:"notificationIcon"`
	Routes            []RouteConfig  `koanf:"routes"`
}

// VersionsConfig carries the version token of each generation role. Bumping a
// token is the only way to invalidate a generation.
type VersionsConfig struct {
	Static string `koanf:"static"`
	Images string `koanf:"images"`
	Data   string `koanf:"data"`
}

// RouteConfig binds a CEL request predicate to a strategy name.
type RouteConfig struct {
	Match    string `koanf:"match"`
	Strategy string `koanf:"strategy"`
}

type SyncConfig struct {
	Tag      string           `koanf:"tag"`
	Backend  string           `koanf:"backend"`
	Path     string           `koanf:"path"`
	Schedule string           `koanf:"schedule"`
	Replay   SyncReplayConfig `koanf:"replay"`
}

type SyncReplayConfig struct {
	URLTemplate string `koanf:"urlTemplate"`
	Timeout     string `koanf:"timeout"`
}

// FetchTimeoutDuration returns the per-fetch bound. Invalid or empty values
// fall back to the 3s default; Validate rejects invalid values up front.
func (c ControllerConfig) FetchTimeoutDuration() time.Duration {
	return parseDurationOr(c.FetchTimeout, 3*time.Second)
}

// BackgroundTimeoutDuration bounds detached cache writes and revalidations.
func (c ControllerConfig) BackgroundTimeoutDuration() time.Duration {
	return parseDurationOr(c.BackgroundTimeout, 30*time.Second)
}

// ReplayTimeoutDuration bounds a single queued item replay.
func (c SyncReplayConfig) ReplayTimeoutDuration() time.Duration {
	return parseDurationOr(c.Timeout, 10*time.Second)
}

func parseDurationOr(value string, def time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	origin := strings.TrimSpace(c.Server.Origin)
	if origin == "" {
		return errors.New("config: server.origin is required")
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: server.origin invalid: %q", c.Server.Origin)
	}
	c.Server.Origin = strings.TrimRight(origin, "/")

	switch strings.TrimSpace(strings.ToLower(c.Storage.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Storage.Redis.Address) == "" {
			return errors.New("config: storage.redis.address required for redis backend")
		}
	case "leveldb":
		if strings.TrimSpace(c.Storage.LevelDB.Path) == "" {
			return errors.New("config: storage.leveldb.path required for leveldb backend")
		}
	default:
		return fmt.Errorf("config: storage.backend unsupported: %s", c.Storage.Backend)
	}

	if err := c.Controller.validate(); err != nil {
		return err
	}

	switch strings.TrimSpace(strings.ToLower(c.Sync.Backend)) {
	case "", "memory":
	case "leveldb":
		if strings.TrimSpace(c.Sync.Path) == "" {
			return errors.New("config: sync.path required for leveldb backend")
		}
	default:
		return fmt.Errorf("config: sync.backend unsupported: %s", c.Sync.Backend)
	}
	if strings.TrimSpace(c.Sync.Tag) == "" {
		return errors.New("config: sync.tag required")
	}
	if err := validateDuration("sync.replay.timeout", c.Sync.Replay.Timeout); err != nil {
		return err
	}
	return nil
}

func (c ControllerConfig) validate() error {
	if strings.TrimSpace(c.Versions.Static) == "" || strings.TrimSpace(c.Versions.Images) == "" || strings.TrimSpace(c.Versions.Data) == "" {
		return errors.New("config: controller.versions requires static, images, and data tokens")
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		return fmt.Errorf("config: controller.apiPrefix must start with /: %q", c.APIPrefix)
	}
	if err := validateDuration("controller.fetchTimeout", c.FetchTimeout); err != nil {
		return err
	}
	if err := validateDuration("controller.backgroundTimeout", c.BackgroundTimeout); err != nil {
		return err
	}
	if c.BackgroundLimit < 0 {
		return fmt.Errorf("config: controller.backgroundLimit invalid: %d", c.BackgroundLimit)
	}
	for i, asset := range c.StaticAssets {
		if !strings.HasPrefix(asset, "/") {
			return fmt.Errorf("config: controller.staticAssets[%d] must be an absolute path: %q", i, asset)
		}
	}
	for i, asset := range c.ImageAssets {
		if strings.TrimSpace(asset) == "" {
			return fmt.Errorf("config: controller.imageAssets[%d] empty", i)
		}
	}
	if !strings.HasPrefix(c.Placeholder, "/") {
		return fmt.Errorf("config: controller.placeholder must be an absolute path: %q", c.Placeholder)
	}
	if !strings.HasPrefix(c.Shell, "/") {
		return fmt.Errorf("config: controller.shell must be an absolute path: %q", c.Shell)
	}
	for i, route := range c.Routes {
		if strings.TrimSpace(route.Match) == "" {
			return fmt.Errorf("config: controller.routes[%d].match empty", i)
		}
		switch strings.ToLower(strings.TrimSpace(route.Strategy)) {
		case "data", "image", "static", "passthrough":
		default:
			return fmt.Errorf("config: controller.routes[%d].strategy unsupported: %s", i, route.Strategy)
		}
	}
	return nil
}

func validateDuration(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("config: %s invalid: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("config: %s must be positive: %s", field, value)
	}
	return nil
}

// DefaultStaticAssets is the app shell pre-fetched at install time.
var DefaultStaticAssets = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/static/css/main.css",
	"/static/js/main.js",
	"/favicon.svg",
}

// DefaultImageAssets lists the background and icon variants recognized as images
// even when the request carries no destination hint.
var DefaultImageAssets = []string{
	"/images/background-sm.webp",
	"/images/background-md.webp",
	"/images/background-lg.webp",
	"/images/background-mobileSm.webp",
	"/images/background-mobileMd.webp",
	"/images/background-mobileLg.webp",
	"/images/background-placeholder.webp",
	"/icons/icon-72x72.png",
	"/icons/icon-144x144.png",
	"/icons/icon-192x192.png",
	"/icons/icon-256x256.png",
	"/icons/icon-384x384.png",
	"/icons/icon-512x512.png",
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Storage: StorageConfig{
			Backend: "memory",
			Redis:   StorageRedisConfig{KeyPrefix: "offlinecache"},
			LevelDB: StorageLevelDBConfig{Path: "./data/caches"},
		},
		Controller: ControllerConfig{
			CachePrefix: "ultify-",
			Versions: VersionsConfig{
				Static: "v2",
				Images: "v1",
				Data:   "v1",
			},
			APIPrefix:         "/api/",
			FetchTimeout:      "3s",
			SkipWaiting:       true,
			BackgroundLimit:   32,
			BackgroundTimeout: "30s",
			StaticAssets:      append([]string(nil), DefaultStaticAssets...),
			ImageAssets:       append([]string(nil), DefaultImageAssets...),
			Placeholder:       "/images/background-placeholder.webp",
			Shell:             "/",
			NotificationIcon:  "/icons/icon-192x192.png",
		},
		Sync: SyncConfig{
			Tag:     "sync-data",
			Backend: "leveldb",
			Path:    "./data/sync-queue",
			Replay: SyncReplayConfig{
				URLTemplate: "{{ .Origin }}/api/sync/{{ .Action | kebabcase }}",
				Timeout:     "10s",
			},
		},
	}
}
