// Package scheduler runs periodic background tasks (token sweep, connection
// monitor) on fixed intervals, decoupled from request handling.
package scheduler

import (
	"context"
	"time"

	"quantumleap/internal/logger"
)

// IntervalScheduler executes a task every Interval until the context is
// cancelled. Task panics are contained so a bad sweep cannot kill the
// process.
type IntervalScheduler struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool
}

func NewIntervalScheduler(name string, interval time.Duration) *IntervalScheduler {
	return &IntervalScheduler{Name: name, Interval: interval}
}

// Run blocks until ctx is done. It never returns an error from the task;
// failures are the task's to log.
func (s *IntervalScheduler) Run(ctx context.Context, task func(context.Context)) error {
	if s == nil || task == nil {
		return nil
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler %s: invalid interval=%s, exit", s.Name, s.Interval)
		return nil
	}
	logger.Infof("scheduler %s: started interval=%s run_immediately=%v", s.Name, s.Interval, s.RunImmediately)

	if s.RunImmediately {
		s.safeRun(ctx, task)
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("scheduler %s: ctx done, exit", s.Name)
			return nil
		case <-ticker.C:
			s.safeRun(ctx, task)
		}
	}
}

func (s *IntervalScheduler) safeRun(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("scheduler %s: task panicked: %v", s.Name, r)
		}
	}()
	task(ctx)
}
