package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.Origin = "http://origin.test"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, func() error { cfg := validConfig(); return cfg.Validate() }())

	cases := map[string]func(cfg *Config){
		"invalid port":            func(cfg *Config) { cfg.Server.Listen.Port = -1 },
		"missing origin":          func(cfg *Config) { cfg.Server.Origin = "" },
		"relative origin":         func(cfg *Config) { cfg.Server.Origin = "origin.test" },
		"redis without address":   func(cfg *Config) { cfg.Storage.Backend = "redis" },
		"leveldb without path":    func(cfg *Config) { cfg.Storage.Backend = "leveldb"; cfg.Storage.LevelDB.Path = "" },
		"unknown storage backend": func(cfg *Config) { cfg.Storage.Backend = "disk" },
		"missing version token":   func(cfg *Config) { cfg.Controller.Versions.Images = "" },
		"api prefix not rooted":   func(cfg *Config) { cfg.Controller.APIPrefix = "api/" },
		"invalid fetch timeout":   func(cfg *Config) { cfg.Controller.FetchTimeout = "soon" },
		"negative fetch timeout":  func(cfg *Config) { cfg.Controller.FetchTimeout = "-1s" },
		"relative static asset":   func(cfg *Config) { cfg.Controller.StaticAssets = []string{"index.html"} },
		"relative placeholder":    func(cfg *Config) { cfg.Controller.Placeholder = "placeholder.webp" },
		"empty route match":       func(cfg *Config) { cfg.Controller.Routes = []RouteConfig{{Strategy: "data"}} },
		"unknown route strategy":  func(cfg *Config) { cfg.Controller.Routes = []RouteConfig{{Match: "true", Strategy: "magic"}} },
		"negative background cap": func(cfg *Config) { cfg.Controller.BackgroundLimit = -1 },
		"unknown sync backend":    func(cfg *Config) { cfg.Sync.Backend = "sqlite" },
		"missing sync tag":        func(cfg *Config) { cfg.Sync.Tag = " " },
		"invalid replay timeout":  func(cfg *Config) { cfg.Sync.Replay.Timeout = "later" },
	}
	for name, mutate := range cases {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestConfigValidateTrimsOriginSlash(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Origin = "https://origin.test/"
	require.NoError(t, cfg.Validate())
	require.Equal(t, "https://origin.test", cfg.Server.Origin)
}

func TestControllerDurations(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 3*time.Second, cfg.Controller.FetchTimeoutDuration())
	require.Equal(t, 30*time.Second, cfg.Controller.BackgroundTimeoutDuration())
	require.Equal(t, 10*time.Second, cfg.Sync.Replay.ReplayTimeoutDuration())

	cfg.Controller.FetchTimeout = "250ms"
	require.Equal(t, 250*time.Millisecond, cfg.Controller.FetchTimeoutDuration())

	cfg.Controller.FetchTimeout = "bogus"
	require.Equal(t, 3*time.Second, cfg.Controller.FetchTimeoutDuration())
}
