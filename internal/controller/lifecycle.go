package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/offlinecache/internal/clients"
	"github.com/l0p7/offlinecache/internal/config"
	"github.com/l0p7/offlinecache/internal/metrics"
	"github.com/l0p7/offlinecache/internal/storage"
)

// State is the controller's lifecycle position.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// InstallError names the app-shell asset that prevented an install.
type InstallError struct {
	Asset  string
	Status int
	Err    error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("controller: install %s: %v", e.Asset, e.Err)
	}
	return fmt.Sprintf("controller: install %s: origin returned %d", e.Asset, e.Status)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Install pre-fetches the app shell into the static generation of the
// configured version. Either every asset lands or none does. On success the
// new generation set waits for Activate.
func (c *Controller) Install(ctx context.Context) error {
	c.mu.Lock()
	cfg := c.cfg
	serving := c.active != nil
	if !serving {
		c.state = StateInstalling
	}
	c.mu.Unlock()

	set, err := c.install(ctx, cfg)
	c.metrics.ObserveLifecycle("install", err)
	if err != nil {
		c.mu.Lock()
		c.installErr = err
		// An active set keeps serving; only a first install goes redundant.
		if c.active == nil {
			c.state = StateRedundant
		}
		c.mu.Unlock()
		c.logger.Error("install failed", slog.Any("error", err), slog.Bool("serving", serving))
		return err
	}

	c.mu.Lock()
	c.waiting = set
	c.installErr = nil
	if c.active == nil {
		c.state = StateInstalled
	}
	c.mu.Unlock()
	c.logger.Info("install complete", slog.String("static", set.names.Static), slog.Int("assets", len(set.assets)))
	return nil
}

func (c *Controller) install(ctx context.Context, cfg config.ControllerConfig) (*generationSet, error) {
	names := GenerationNames(cfg)
	assets := uniqueAssets(cfg.StaticAssets)

	entries := make([]storage.Entry, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range assets {
		i, asset := i, asset
		g.Go(func() error {
			target, err := url.Parse(asset)
			if err != nil {
				return &InstallError{Asset: asset, Err: err}
			}
			entry, err := c.fetcher.Fetch(gctx, http.MethodGet, target, nil)
			if err != nil {
				return &InstallError{Asset: asset, Err: err}
			}
			if !entry.OK() {
				return &InstallError{Asset: asset, Status: entry.Status}
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	existed, err := c.storage.Has(ctx, names.Static)
	if err != nil {
		return nil, fmt.Errorf("controller: install: %w", err)
	}
	static, err := c.storage.Open(ctx, names.Static)
	if err != nil {
		return nil, fmt.Errorf("controller: install open %s: %w", names.Static, err)
	}
	for i, entry := range entries {
		if err := static.Put(ctx, storage.PathKey(assets[i]), entry); err != nil {
			c.metrics.ObserveCache(RoleStatic, metrics.CacheOperationPut, metrics.CacheResultError)
			if !existed {
				if _, delErr := c.storage.Delete(context.WithoutCancel(ctx), names.Static); delErr != nil {
					c.logger.Warn("partial generation cleanup failed", slog.String("generation", names.Static), slog.Any("error", delErr))
				}
			}
			return nil, &InstallError{Asset: assets[i], Err: err}
		}
		c.metrics.ObserveCache(RoleStatic, metrics.CacheOperationPut, metrics.CacheResultStored)
	}

	images, err := c.storage.Open(ctx, names.Images)
	if err != nil {
		return nil, fmt.Errorf("controller: install open %s: %w", names.Images, err)
	}
	data, err := c.storage.Open(ctx, names.Data)
	if err != nil {
		return nil, fmt.Errorf("controller: install open %s: %w", names.Data, err)
	}
	c.seedPlaceholder(ctx, images, cfg.Placeholder)

	return &generationSet{
		names:       names,
		static:      static,
		images:      images,
		data:        data,
		assets:      assets,
		placeholder: cfg.Placeholder,
		shell:       cfg.Shell,
	}, nil
}

// seedPlaceholder is best effort: a missing placeholder degrades image
// fallbacks to 503 but never fails the install.
func (c *Controller) seedPlaceholder(ctx context.Context, images storage.Generation, placeholder string) {
	target, err := url.Parse(placeholder)
	if err != nil {
		c.logger.Warn("placeholder path invalid", slog.String("placeholder", placeholder), slog.Any("error", err))
		return
	}
	entry, err := c.fetcher.Fetch(ctx, http.MethodGet, target, nil)
	if err != nil {
		c.logger.Warn("placeholder fetch failed", slog.String("placeholder", placeholder), slog.Any("error", err))
		return
	}
	if !entry.OK() {
		c.logger.Warn("placeholder fetch rejected", slog.String("placeholder", placeholder), slog.Int("status", entry.Status))
		return
	}
	if err := images.Put(ctx, storage.PathKey(placeholder), entry); err != nil {
		c.metrics.ObserveCache(RoleImages, metrics.CacheOperationPut, metrics.CacheResultError)
		c.logger.Warn("placeholder store failed", slog.String("placeholder", placeholder), slog.Any("error", err))
		return
	}
	c.metrics.ObserveCache(RoleImages, metrics.CacheOperationPut, metrics.CacheResultStored)
}

// Activate promotes the installed generation set, deletes every other
// generation, starts intercepting, and tells open pages the cache changed.
// Activating again without a new install keeps the current generations.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	set := c.waiting
	if set == nil {
		set = c.active
	}
	if set == nil {
		c.mu.Unlock()
		c.metrics.ObserveLifecycle("activate", ErrNotInstalled)
		return ErrNotInstalled
	}
	if !c.controlling {
		c.state = StateActivating
	}
	c.mu.Unlock()

	c.deleteStale(ctx, set.names)

	c.mu.Lock()
	c.active = set
	c.waiting = nil
	c.controlling = true
	c.state = StateActivated
	c.mu.Unlock()
	c.metrics.ObserveLifecycle("activate", nil)
	c.logger.Info("activated", slog.Any("generations", set.names.List()))

	if c.broadcaster != nil {
		if err := c.broadcaster.Broadcast(ctx, clients.Message{Type: clients.TypeCacheUpdated}); err != nil {
			c.logger.Warn("cache update broadcast failed", slog.Any("error", err))
		}
	}
	return nil
}

// deleteStale fans out deletion of every generation not in keep. Failures are
// logged per generation and never stop the others.
func (c *Controller) deleteStale(ctx context.Context, keep Generations) {
	names, err := c.storage.Names(ctx)
	if err != nil {
		c.logger.Warn("generation listing failed", slog.Any("error", err))
		return
	}
	var g errgroup.Group
	for _, name := range names {
		if keep.Contains(name) {
			continue
		}
		name := name
		g.Go(func() error {
			if _, err := c.storage.Delete(ctx, name); err != nil {
				c.metrics.ObserveCache("stale", metrics.CacheOperationDelete, metrics.CacheResultError)
				c.logger.Warn("stale generation delete failed", slog.String("generation", name), slog.Any("error", err))
				return nil
			}
			c.metrics.ObserveCache("stale", metrics.CacheOperationDelete, metrics.CacheResultOK)
			c.logger.Info("stale generation deleted", slog.String("generation", name))
			return nil
		})
	}
	_ = g.Wait()
}

// Upgrade installs the generation set described by cfg when it differs from
// the active one. A failed install leaves the active set serving. With
// skipWaiting, or when nothing is active yet, the new set is activated
// immediately; otherwise it waits for the next Activate.
func (c *Controller) Upgrade(ctx context.Context, cfg config.ControllerConfig) error {
	c.mu.RLock()
	active := c.active
	c.mu.RUnlock()

	if active != nil && !generationSetChanged(active, cfg) {
		c.logger.Debug("upgrade skipped; generations unchanged")
		return nil
	}

	set, err := c.install(ctx, cfg)
	c.metrics.ObserveLifecycle("upgrade", err)
	if err != nil {
		c.mu.Lock()
		c.installErr = err
		c.mu.Unlock()
		c.logger.Error("upgrade install failed; keeping active generations", slog.Any("error", err))
		return err
	}

	c.mu.Lock()
	c.cfg.CachePrefix = cfg.CachePrefix
	c.cfg.Versions = cfg.Versions
	c.cfg.StaticAssets = append([]string(nil), cfg.StaticAssets...)
	c.cfg.Placeholder = cfg.Placeholder
	c.cfg.Shell = cfg.Shell
	c.waiting = set
	c.installErr = nil
	c.mu.Unlock()

	if !cfg.SkipWaiting && active != nil {
		c.logger.Info("upgrade installed; waiting for activation", slog.Any("generations", set.names.List()))
		return nil
	}
	return c.Activate(ctx)
}

func generationSetChanged(active *generationSet, cfg config.ControllerConfig) bool {
	if active.names != GenerationNames(cfg) {
		return true
	}
	if active.placeholder != cfg.Placeholder || active.shell != cfg.Shell {
		return true
	}
	return !slices.Equal(active.assets, uniqueAssets(cfg.StaticAssets))
}

func uniqueAssets(assets []string) []string {
	out := make([]string, 0, len(assets))
	seen := make(map[string]struct{}, len(assets))
	for _, asset := range assets {
		if _, ok := seen[asset]; ok {
			continue
		}
		seen[asset] = struct{}{}
		out = append(out, asset)
	}
	return out
}
