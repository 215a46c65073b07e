package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
)

// DefaultStagger separates the first executions of consecutive tasks.
const DefaultStagger = 15 * time.Second

// Scheduler errors.
var (
	// ErrStarted is returned when registering or starting after Start.
	ErrStarted = errors.New("scheduler already started")

	// ErrNotStarted is returned by Wait before Start.
	ErrNotStarted = errors.New("scheduler not started")

	// ErrNoTasks is returned by Start when nothing is registered.
	ErrNoTasks = errors.New("no tasks registered")
)

// TaskExit reports why a task loop ended.
type TaskExit struct {
	Name string
	Err  error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStagger sets the per-index offset added to each task's startup delay.
func WithStagger(d time.Duration) Option {
	return func(s *Scheduler) {
		s.stagger = d
	}
}

// WithLogger sets the logger handed to every task loop.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics sets the recorder for task ticks.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler runs registered tasks concurrently.
//
// The task registered at index i first waits its own startup delay plus
// i times the stagger, so three tasks with no startup delay of their own
// begin at offsets 0, s and 2s.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	stagger time.Duration
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	started bool
	cancel  context.CancelFunc
	exits   chan TaskExit
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		stagger: DefaultStagger,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register appends a task. Registration order sets the stagger index.
func (s *Scheduler) Register(task Task) error {
	if task == nil {
		return errors.New("task is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	s.tasks = append(s.tasks, task)
	return nil
}

// Tasks returns the registered tasks in registration order.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tasks)
}

// startupDelay is the effective first wait of the task at index i.
func (s *Scheduler) startupDelay(i int) time.Duration {
	return s.tasks[i].StartupDelay() + time.Duration(i)*s.stagger
}

// Start launches every task loop and returns immediately.
// The loops stop when ctx is cancelled or AbortAll is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	if len(s.tasks) == 0 {
		return ErrNoTasks
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.exits = make(chan TaskExit, len(s.tasks))
	s.started = true

	for i, task := range s.tasks {
		l := loop{
			task:    task,
			delay:   s.startupDelay(i),
			logger:  s.logger,
			metrics: s.metrics,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := l.run(ctx)
			s.exits <- TaskExit{Name: task.Name(), Err: err}
		}()
	}
	return nil
}

// Wait blocks until the next task loop exits and reports it, or until
// ctx is done.
func (s *Scheduler) Wait(ctx context.Context) (TaskExit, error) {
	s.mu.Lock()
	exits := s.exits
	s.mu.Unlock()

	if exits == nil {
		return TaskExit{}, ErrNotStarted
	}

	select {
	case exit := <-exits:
		return exit, nil
	case <-ctx.Done():
		return TaskExit{}, ctx.Err()
	}
}

// AbortAll cancels every task loop without waiting for in-flight ticks.
func (s *Scheduler) AbortAll() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Stop cancels every task loop and waits for them to return.
func (s *Scheduler) Stop() {
	s.AbortAll()
	s.wg.Wait()
}
