package controller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/offlinecache/internal/metrics"
)

func TestTaskGroupDropsWhenSaturated(t *testing.T) {
	rec := metrics.NewRecorder(nil)
	group := newTaskGroup(1, time.Second, newTestLogger(), rec)

	release := make(chan struct{})
	started := make(chan struct{})
	var dropped atomic.Bool
	group.spawn(context.Background(),
		Task{Kind: "store-images", Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}},
	)
	<-started
	group.spawn(context.Background(), Task{Kind: "store-images", Run: func(ctx context.Context) error {
		dropped.Store(true)
		return nil
	}})
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, group.wait(ctx))
	require.False(t, dropped.Load(), "second task should have been dropped")

	count, err := testutil.GatherAndCount(rec.Gatherer(), "offlinecache_background_tasks_total")
	require.NoError(t, err)
	require.Equal(t, 2, count, "expected ok and dropped series")
}

func TestTaskGroupOutlivesRequestContext(t *testing.T) {
	group := newTaskGroup(4, time.Second, newTestLogger(), nil)
	parent, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	gate := make(chan struct{})
	group.spawn(parent, Task{Kind: "revalidate-images", Run: func(ctx context.Context) error {
		<-gate
		errCh <- ctx.Err()
		return nil
	}})
	cancel()
	close(gate)

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.NoError(t, group.wait(ctx))
	require.NoError(t, <-errCh)
}

func TestTaskGroupBoundsTasks(t *testing.T) {
	group := newTaskGroup(1, 20*time.Millisecond, newTestLogger(), nil)
	errCh := make(chan error, 1)
	group.spawn(context.Background(), Task{Kind: "store-api-data", Run: func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, group.wait(ctx))
	require.True(t, errors.Is(<-errCh, context.DeadlineExceeded))
}
