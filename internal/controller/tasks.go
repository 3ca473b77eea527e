package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/offlinecache/internal/metrics"
)

// Task is detached work spawned after a response has been produced.
type Task struct {
	Kind string
	Run  func(ctx context.Context) error
}

// taskGroup runs Tasks off the request path. Concurrency is capped by a
// semaphore; when it is full the task is dropped.
type taskGroup struct {
	sem     chan struct{}
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
	wg      sync.WaitGroup
}

func newTaskGroup(limit int, timeout time.Duration, logger *slog.Logger, rec *metrics.Recorder) *taskGroup {
	if limit <= 0 {
		limit = 32
	}
	return &taskGroup{
		sem:     make(chan struct{}, limit),
		timeout: timeout,
		logger:  logger,
		metrics: rec,
	}
}

// spawn starts tasks on a context that keeps parent's values but not its
// cancellation, bounded by the group timeout.
func (g *taskGroup) spawn(parent context.Context, tasks ...Task) {
	for _, task := range tasks {
		if task.Run == nil {
			continue
		}
		select {
		case g.sem <- struct{}{}:
		default:
			g.logger.Warn("background task dropped", slog.String("kind", task.Kind))
			g.metrics.ObserveBackground(task.Kind, "dropped")
			continue
		}
		g.wg.Add(1)
		go func(task Task) {
			defer func() {
				<-g.sem
				g.wg.Done()
			}()
			ctx := context.WithoutCancel(parent)
			if g.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, g.timeout)
				defer cancel()
			}
			if err := task.Run(ctx); err != nil {
				g.logger.Debug("background task failed", slog.String("kind", task.Kind), slog.Any("error", err))
				g.metrics.ObserveBackground(task.Kind, "error")
				return
			}
			g.metrics.ObserveBackground(task.Kind, "ok")
		}(task)
	}
}

// wait blocks until every spawned task has finished or ctx ends.
func (g *taskGroup) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
