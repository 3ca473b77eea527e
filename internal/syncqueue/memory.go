package syncqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryQueue struct {
	mu    sync.Mutex
	items map[string]Item
	now   func() time.Time
}

// NewMemory returns a process-local Queue that is lost on restart.
func NewMemory() Queue {
	return &memoryQueue{items: make(map[string]Item), now: time.Now}
}

func (q *memoryQueue) Enqueue(_ context.Context, action string, payload json.RawMessage) (Item, error) {
	item, err := newItem(action, payload, q.now())
	if err != nil {
		return Item{}, err
	}
	q.mu.Lock()
	q.items[item.ID] = item
	q.mu.Unlock()
	return item, nil
}

func (q *memoryQueue) List(_ context.Context) ([]Item, error) {
	q.mu.Lock()
	items := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, item)
	}
	q.mu.Unlock()
	sortItems(items)
	return items, nil
}

func (q *memoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[id]; !ok {
		return ErrNotFound
	}
	delete(q.items, id)
	return nil
}

func (q *memoryQueue) Close() error { return nil }
