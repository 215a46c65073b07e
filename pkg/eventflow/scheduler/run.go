package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
)

// Run drives a single task until ctx is cancelled or the task halts.
//
// It waits the task's startup delay once, then repeatedly waits the
// interval and executes. Errors and panics from Execute are logged and do
// not change the cadence. The returned error is ctx.Err() or the error
// that wrapped ErrHalt.
func Run(ctx context.Context, task Task, logger *slog.Logger) error {
	l := loop{task: task, delay: task.StartupDelay(), logger: logger, metrics: observability.NoopMetrics{}}
	return l.run(ctx)
}

type loop struct {
	task    Task
	delay   time.Duration
	logger  *slog.Logger
	metrics observability.MetricsRecorder
}

func (l loop) run(ctx context.Context) error {
	name := l.task.Name()
	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("task", name))

	observability.LogTaskStart(logger, name, l.delay, l.task.Interval())

	if err := sleep(ctx, l.delay); err != nil {
		observability.LogTaskStop(logger, name, err)
		return err
	}

	for {
		if err := sleep(ctx, l.task.Interval()); err != nil {
			observability.LogTaskStop(logger, name, err)
			return err
		}

		err := l.execute(ctx)
		l.metrics.RecordTaskTick(ctx, name, err)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrHalt) {
			observability.LogTaskStop(logger, name, err)
			return err
		}
		observability.LogTaskError(logger, name, err)
	}
}

func (l loop) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", l.task.Name(), r)
		}
	}()
	return l.task.Execute(ctx)
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
