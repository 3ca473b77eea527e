package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/l0p7/offlinecache/internal/syncqueue"
)

// EnqueueRequest is a mutation a page asks the controller to replay later.
type EnqueueRequest struct {
	Action  string          `json:"action" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

// Enqueue validates req and persists it in the sync queue.
func (c *Controller) Enqueue(ctx context.Context, req EnqueueRequest) (syncqueue.Item, error) {
	if c.queue == nil {
		return syncqueue.Item{}, fmt.Errorf("controller: sync queue not configured")
	}
	if err := c.validate.Struct(req); err != nil {
		return syncqueue.Item{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	item, err := c.queue.Enqueue(ctx, req.Action, req.Payload)
	if err != nil {
		return syncqueue.Item{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	c.logger.Debug("sync item queued", slog.String("id", item.ID), slog.String("action", item.Action))
	return item, nil
}

// Pending lists queued items in replay order.
func (c *Controller) Pending(ctx context.Context) ([]syncqueue.Item, error) {
	if c.queue == nil {
		return nil, nil
	}
	return c.queue.List(ctx)
}

// Sync handles a background sync trigger. Only the configured tag drains the
// queue; other tags are acknowledged and ignored. Drains never overlap and the
// call returns after every item was attempted.
func (c *Controller) Sync(ctx context.Context, tag string) (syncqueue.Result, error) {
	if tag != c.syncTag {
		c.logger.Debug("sync tag ignored", slog.String("tag", tag))
		return syncqueue.Result{}, nil
	}
	if c.queue == nil || c.replayer == nil {
		c.logger.Debug("sync acknowledged; no queue configured")
		return syncqueue.Result{}, nil
	}

	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	res, err := syncqueue.Drain(ctx, c.queue, c.replayer, func(item syncqueue.Item, err error) {
		c.metrics.ObserveReplay(err)
		if err != nil {
			c.logger.Warn("sync replay failed; item kept", slog.String("id", item.ID), slog.String("action", item.Action), slog.Any("error", err))
		}
	})
	if err != nil {
		return res, err
	}
	if res.Attempted > 0 {
		c.logger.Info("sync drained",
			slog.Int("attempted", res.Attempted),
			slog.Int("replayed", res.Replayed),
			slog.Int("failed", res.Failed),
		)
	}
	return res, nil
}
