package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler fires a job on a cron schedule. Specs accept an optional seconds
// field and descriptors such as "@every 5m".
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewScheduler registers job under spec. Overlapping runs are skipped.
func NewScheduler(spec string, job func(context.Context), logger *slog.Logger) (*Scheduler, error) {
	if job == nil {
		return nil, errors.New("syncqueue: scheduler job required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "sync-scheduler"))
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := c.AddFunc(spec, func() { job(ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("syncqueue: schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, logger: logger, cancel: cancel}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("sync scheduler started")
}

// Stop halts the schedule, cancels a running job, and waits for it until ctx
// ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
