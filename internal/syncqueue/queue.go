// Package syncqueue persists mutations made while offline and replays them
// against the origin once a sync trigger fires.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Remove for an unknown item ID.
var ErrNotFound = errors.New("syncqueue: item not found")

// Item is one pending mutation.
type Item struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Queue stores pending items. List returns items in replay order: oldest
// Timestamp first, ties broken by ID. IDs are UUIDv7, which sort in creation
// order within a process, so items enqueued on the same clock reading still
// replay first-in first-out.
type Queue interface {
	Enqueue(ctx context.Context, action string, payload json.RawMessage) (Item, error)
	List(ctx context.Context) ([]Item, error)
	Remove(ctx context.Context, id string) error
	Close() error
}

func newItem(action string, payload json.RawMessage, now time.Time) (Item, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return Item{}, errors.New("syncqueue: action required")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return Item{}, errors.New("syncqueue: payload is not valid JSON")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Item{}, fmt.Errorf("syncqueue: item id: %w", err)
	}
	return Item{
		ID:        id.String(),
		Action:    action,
		Payload:   append(json.RawMessage(nil), payload...),
		Timestamp: now.UTC(),
	}, nil
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.Before(items[j].Timestamp)
		}
		return items[i].ID < items[j].ID
	})
}
