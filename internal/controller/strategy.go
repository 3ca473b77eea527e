package controller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/l0p7/offlinecache/internal/metrics"
	"github.com/l0p7/offlinecache/internal/storage"
)

// offlineBody is the synthesized data response when neither the origin nor
// the cache can answer.
var offlineBody = []byte(`{"error":"offline"}`)

// outcome is a strategy's answer plus the work it defers until after the
// answer has been written.
type outcome struct {
	entry    storage.Entry
	source   string
	deferred []Task
}

// serveData is network-first: a 200 from the origin is returned and stored in
// the background; anything else falls back to the cached entry, then to the
// offline document.
func (c *Controller) serveData(ctx context.Context, r *http.Request, set *generationSet) outcome {
	key := storage.RequestKey(r.Method, r.URL)
	entry, err := c.fetcher.Fetch(ctx, r.Method, r.URL, r.Header)
	if err == nil && entry.Status == http.StatusOK {
		return outcome{
			entry:    entry,
			source:   SourceNetwork,
			deferred: []Task{c.storeTask(set.data, RoleData, key, entry)},
		}
	}
	if err != nil {
		c.logger.Debug("data fetch failed", slog.String("key", key), slog.Any("error", err))
	} else {
		c.logger.Debug("data fetch not cacheable", slog.String("key", key), slog.Int("status", entry.Status))
	}
	if cached, ok := c.match(ctx, set.data, RoleData, key); ok {
		return outcome{entry: cached, source: SourceFallback}
	}
	return outcome{
		entry: storage.Entry{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   offlineBody,
			Type:   storage.TypeBasic,
		},
		source: SourceOffline,
	}
}

// serveImage is cache-first with background revalidation. On a miss the
// origin is asked once; a failure answers with the install-time placeholder.
func (c *Controller) serveImage(ctx context.Context, r *http.Request, set *generationSet) outcome {
	key := storage.RequestKey(r.Method, r.URL)
	if cached, ok := c.match(ctx, set.images, RoleImages, key); ok {
		return outcome{
			entry:    cached,
			source:   SourceCache,
			deferred: []Task{c.revalidateTask(set.images, key, r)},
		}
	}

	entry, err := c.fetcher.Fetch(ctx, r.Method, r.URL, r.Header)
	if err == nil && entry.OK() {
		return outcome{
			entry:    entry,
			source:   SourceNetwork,
			deferred: []Task{c.storeTask(set.images, RoleImages, key, entry)},
		}
	}
	if err != nil {
		c.logger.Debug("image fetch failed", slog.String("key", key), slog.Any("error", err))
	}
	if placeholder, ok := c.match(ctx, set.images, RoleImages, storage.PathKey(set.placeholder)); ok {
		return outcome{entry: placeholder, source: SourcePlaceholder}
	}
	c.logger.Warn("placeholder missing", slog.String("placeholder", set.placeholder))
	return outcome{entry: storage.Entry{Status: http.StatusServiceUnavailable}, source: SourceOffline}
}

// serveStatic is cache-first with populate-on-miss. Only same-origin and cors
// 2xx responses are stored; a network failure answers with the app shell.
func (c *Controller) serveStatic(ctx context.Context, r *http.Request, set *generationSet) outcome {
	key := storage.RequestKey(r.Method, r.URL)
	if cached, ok := c.match(ctx, set.static, RoleStatic, key); ok {
		return outcome{entry: cached, source: SourceCache}
	}

	entry, err := c.fetcher.Fetch(ctx, r.Method, r.URL, r.Header)
	if err != nil {
		c.logger.Debug("static fetch failed", slog.String("key", key), slog.Any("error", err))
		if shell, ok := c.match(ctx, set.static, RoleStatic, storage.PathKey(set.shell)); ok {
			return outcome{entry: shell, source: SourceShell}
		}
		return outcome{entry: storage.Entry{Status: http.StatusServiceUnavailable}, source: SourceOffline}
	}
	out := outcome{entry: entry, source: SourceNetwork}
	if entry.OK() && (entry.Type == storage.TypeBasic || entry.Type == storage.TypeCORS) {
		out.deferred = []Task{c.storeTask(set.static, RoleStatic, key, entry)}
	}
	return out
}

func (c *Controller) match(ctx context.Context, gen storage.Generation, role, key string) (storage.Entry, bool) {
	entry, ok, err := gen.Match(ctx, key)
	switch {
	case err != nil:
		c.metrics.ObserveCache(role, metrics.CacheOperationMatch, metrics.CacheResultError)
		c.logger.Warn("cache match failed", slog.String("generation", gen.Name()), slog.String("key", key), slog.Any("error", err))
		return storage.Entry{}, false
	case ok:
		c.metrics.ObserveCache(role, metrics.CacheOperationMatch, metrics.CacheResultHit)
		return entry, true
	default:
		c.metrics.ObserveCache(role, metrics.CacheOperationMatch, metrics.CacheResultMiss)
		return storage.Entry{}, false
	}
}

func (c *Controller) storeTask(gen storage.Generation, role, key string, entry storage.Entry) Task {
	entry = entry.Clone()
	return Task{
		Kind: "store-" + role,
		Run: func(ctx context.Context) error {
			err := gen.Put(ctx, key, entry)
			switch {
			case errors.Is(err, storage.ErrGenerationDeleted):
				c.metrics.ObserveCache(role, metrics.CacheOperationPut, metrics.CacheResultSkipped)
				c.logger.Debug("store skipped for retired generation", slog.String("generation", gen.Name()), slog.String("key", key))
				return nil
			case err != nil:
				c.metrics.ObserveCache(role, metrics.CacheOperationPut, metrics.CacheResultError)
				return err
			}
			c.metrics.ObserveCache(role, metrics.CacheOperationPut, metrics.CacheResultStored)
			return nil
		},
	}
}

// revalidateTask refreshes a cached image; a failed or non-ok fetch leaves
// the cached entry untouched.
func (c *Controller) revalidateTask(gen storage.Generation, key string, r *http.Request) Task {
	method, target, header := r.Method, *r.URL, r.Header.Clone()
	return Task{
		Kind: "revalidate-" + RoleImages,
		Run: func(ctx context.Context) error {
			entry, err := c.fetcher.Fetch(ctx, method, &target, header)
			if err != nil {
				return err
			}
			if !entry.OK() {
				return nil
			}
			return c.storeTask(gen, RoleImages, key, entry).Run(ctx)
		},
	}
}
