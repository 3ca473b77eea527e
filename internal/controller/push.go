package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/l0p7/offlinecache/internal/clients"
)

type pushPayload struct {
	Title   string `json:"title" validate:"required"`
	Message string `json:"message" validate:"required"`
}

// Push relays a push payload {"title","message"} as a notification with the
// configured icon. Empty, malformed, or incomplete payloads are logged and
// dropped without an error.
func (c *Controller) Push(ctx context.Context, payload []byte) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		c.logger.Debug("push without payload ignored")
		return nil
	}
	var p pushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Warn("push payload malformed", slog.Any("error", err))
		return nil
	}
	if err := c.validate.Struct(p); err != nil {
		c.logger.Warn("push payload invalid", slog.Any("error", err))
		return nil
	}
	if c.notifier == nil {
		c.logger.Debug("push dropped; no notifier configured", slog.String("title", p.Title))
		return nil
	}
	n := clients.Notification{Title: p.Title, Body: p.Message, Icon: c.notificationIcon}
	if err := c.notifier.Notify(ctx, n); err != nil {
		return fmt.Errorf("controller: notify: %w", err)
	}
	return nil
}
