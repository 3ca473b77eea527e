package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Items live under "q:<zero-padded unix nanos>:<id>" so a prefix scan yields
// replay order; "i:<id>" points back at the ordered key for Remove.
const (
	levelItemPrefix  = "q:"
	levelIndexPrefix = "i:"
)

type levelQueue struct {
	db  *leveldb.DB
	now func() time.Time

	// leveldb holds a file lock, so a second process cannot open the same
	// directory; mu serializes writers within this one.
	mu sync.Mutex
}

// NewLevelDB opens a durable Queue rooted at path.
func NewLevelDB(path string) (Queue, error) {
	if path == "" {
		return nil, errors.New("syncqueue: leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: leveldb open %s: %w", path, err)
	}
	return &levelQueue{db: db, now: time.Now}, nil
}

func orderedKey(item Item) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", levelItemPrefix, item.Timestamp.UnixNano(), item.ID))
}

func (q *levelQueue) Enqueue(_ context.Context, action string, payload json.RawMessage) (Item, error) {
	item, err := newItem(action, payload, q.now())
	if err != nil {
		return Item{}, err
	}
	value, err := json.Marshal(item)
	if err != nil {
		return Item{}, fmt.Errorf("syncqueue: marshal: %w", err)
	}
	key := orderedKey(item)

	q.mu.Lock()
	defer q.mu.Unlock()
	batch := new(leveldb.Batch)
	batch.Put(key, value)
	batch.Put([]byte(levelIndexPrefix+item.ID), key)
	if err := q.db.Write(batch, nil); err != nil {
		return Item{}, fmt.Errorf("syncqueue: enqueue: %w", err)
	}
	return item, nil
}

func (q *levelQueue) List(ctx context.Context) ([]Item, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(levelItemPrefix)), nil)
	defer it.Release()
	var items []Item
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var item Item
		if err := json.Unmarshal(it.Value(), &item); err != nil {
			return nil, fmt.Errorf("syncqueue: decode %s: %w", it.Key(), err)
		}
		items = append(items, item)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("syncqueue: list: %w", err)
	}
	// Keys already sort by time; ties on identical nanos fall back to ID.
	sortItems(items)
	return items, nil
}

func (q *levelQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	indexKey := []byte(levelIndexPrefix + id)
	key, err := q.db.Get(indexKey, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("syncqueue: remove %s: %w", id, err)
	}
	batch := new(leveldb.Batch)
	batch.Delete(key)
	batch.Delete(indexKey)
	if err := q.db.Write(batch, nil); err != nil {
		return fmt.Errorf("syncqueue: remove %s: %w", id, err)
	}
	return nil
}

func (q *levelQueue) Close() error {
	return q.db.Close()
}
