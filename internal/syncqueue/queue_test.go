package syncqueue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func queues(t *testing.T) map[string]func(t *testing.T) Queue {
	return map[string]func(t *testing.T) Queue{
		"memory": func(t *testing.T) Queue { return NewMemory() },
		"leveldb": func(t *testing.T) Queue {
			q, err := NewLevelDB(filepath.Join(t.TempDir(), "queue"))
			require.NoError(t, err)
			return q
		},
	}
}

// withClock pins the queue clock so ordering is deterministic.
func withClock(q Queue, now func() time.Time) {
	switch typed := q.(type) {
	case *memoryQueue:
		typed.now = now
	case *levelQueue:
		typed.now = now
	}
}

func TestQueueBackends(t *testing.T) {
	for name, open := range queues(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := open(t)
			defer q.Close()

			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			tick := 0
			withClock(q, func() time.Time {
				tick++
				return base.Add(time.Duration(tick) * time.Second)
			})

			first, err := q.Enqueue(ctx, "saveScore", json.RawMessage(`{"score":7}`))
			require.NoError(t, err)
			require.NotEmpty(t, first.ID)
			second, err := q.Enqueue(ctx, "updateAthlete", json.RawMessage(`{"id":"1"}`))
			require.NoError(t, err)

			items, err := q.List(ctx)
			require.NoError(t, err)
			require.Len(t, items, 2)
			require.Equal(t, first.ID, items[0].ID)
			require.Equal(t, second.ID, items[1].ID)
			require.JSONEq(t, `{"score":7}`, string(items[0].Payload))
			require.True(t, items[0].Timestamp.Equal(base.Add(time.Second)))

			require.NoError(t, q.Remove(ctx, first.ID))
			require.ErrorIs(t, q.Remove(ctx, first.ID), ErrNotFound)

			items, err = q.List(ctx)
			require.NoError(t, err)
			require.Len(t, items, 1)
			require.Equal(t, second.ID, items[0].ID)

			_, err = q.Enqueue(ctx, " ", nil)
			require.Error(t, err)
			_, err = q.Enqueue(ctx, "saveScore", json.RawMessage(`{broken`))
			require.Error(t, err)
		})
	}
}

func TestQueueKeepsEnqueueOrderOnFrozenClock(t *testing.T) {
	for name, open := range queues(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := open(t)
			defer q.Close()
			fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			withClock(q, func() time.Time { return fixed })

			actions := []string{"saveScore", "updateAthlete", "deleteScore", "saveAthlete", "saveLap"}
			for _, action := range actions {
				_, err := q.Enqueue(ctx, action, nil)
				require.NoError(t, err)
			}
			items, err := q.List(ctx)
			require.NoError(t, err)
			got := make([]string, 0, len(items))
			for _, item := range items {
				got = append(got, item.Action)
			}
			require.Equal(t, actions, got)
		})
	}
}

func TestLevelDBQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue")

	q, err := NewLevelDB(path)
	require.NoError(t, err)
	item, err := q.Enqueue(ctx, "saveScore", json.RawMessage(`{"score":1}`))
	require.NoError(t, err)

	_, err = NewLevelDB(path)
	require.Error(t, err, "a second handle on the same directory is refused")
	require.NoError(t, q.Close())

	q, err = NewLevelDB(path)
	require.NoError(t, err)
	defer q.Close()
	items, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, item.ID, items[0].ID)
}
