// Package scheduler runs periodic tasks in their own goroutines, staggering
// their first executions so tasks sharing a store do not start in lockstep.
package scheduler

import (
	"context"
	"errors"
	"time"
)

// ErrHalt ends a task loop when returned (or wrapped) by Execute.
// Every other error is logged and the loop continues.
var ErrHalt = errors.New("scheduler: halt task")

// Task is a unit of periodic work.
type Task interface {
	// Name identifies the task in logs and metrics.
	Name() string

	// Interval is the pause before every execution.
	Interval() time.Duration

	// StartupDelay is waited once before the first interval.
	StartupDelay() time.Duration

	// Execute performs one tick.
	Execute(ctx context.Context) error
}

// TaskFunc is the body of a task built with NewTask.
type TaskFunc func(ctx context.Context) error

// TaskOption configures a task built with NewTask.
type TaskOption func(*funcTask)

// WithStartupDelay sets the delay waited once before the first interval.
func WithStartupDelay(d time.Duration) TaskOption {
	return func(t *funcTask) {
		t.startupDelay = d
	}
}

type funcTask struct {
	name         string
	interval     time.Duration
	startupDelay time.Duration
	fn           TaskFunc
}

// NewTask builds a Task from a function.
func NewTask(name string, interval time.Duration, fn TaskFunc, opts ...TaskOption) Task {
	t := &funcTask{name: name, interval: interval, fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *funcTask) Name() string { return t.name }
func (t *funcTask) Interval() time.Duration { return t.interval }
func (t *funcTask) StartupDelay() time.Duration { return t.startupDelay }
func (t *funcTask) Execute(ctx context.Context) error { return t.fn(ctx) }
