// Package processor delivers stored events to their handlers.
//
// A Processor is a scheduler.Task. Each tick it reads the due consumer
// records, invokes the handler behind each record's endpoint and writes
// the outcome back with a conditional update, so several processors may
// poll the same store without applying an attempt twice.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/scheduler"
	"github.com/randalmurphal/eventflow/pkg/eventflow/store"
)

// Defaults.
const (
	DefaultName      = "event-processor"
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 100
)

// ReasonNoHandler is recorded on records whose endpoint no longer resolves.
const ReasonNoHandler = "no handler registered for endpoint"

// Resolver finds the handler behind a record's endpoint.
// *registry.Registry satisfies it.
type Resolver interface {
	Lookup(endpoint, eventType string) (event.Handler, bool)
}

// Stats summarizes one tick.
type Stats struct {
	Due       int
	Succeeded int
	Failed    int
	Skipped   int
	Conflicts int
	// UpdateErrors counts outcomes that could not be written for reasons
	// other than a conflict. Those records are retried next tick.
	UpdateErrors int
}

// Processor drives due consumer records to a terminal or retry state.
type Processor struct {
	store    store.Store
	handlers Resolver

	name         string
	interval     time.Duration
	startupDelay time.Duration
	batchSize    int
	policy       eferrors.RetryPolicy
	now          func() time.Time

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// Option configures a Processor.
type Option func(*Processor)

// WithName overrides the task name.
func WithName(name string) Option {
	return func(p *Processor) {
		p.name = name
	}
}

// WithInterval sets the pause between ticks.
func WithInterval(d time.Duration) Option {
	return func(p *Processor) {
		p.interval = d
	}
}

// WithStartupDelay sets the delay before the first interval.
func WithStartupDelay(d time.Duration) Option {
	return func(p *Processor) {
		p.startupDelay = d
	}
}

// WithBatchSize caps the records read per tick. Zero or less reads all.
func WithBatchSize(n int) Option {
	return func(p *Processor) {
		p.batchSize = n
	}
}

// WithMaxRetries sets the failure count after which a record is abandoned.
func WithMaxRetries(n int) Option {
	return func(p *Processor) {
		p.policy.MaxRetries = n
	}
}

// WithRetryPolicy replaces the backoff table. Its MaxRetries is kept unless
// zero.
func WithRetryPolicy(policy eferrors.RetryPolicy) Option {
	return func(p *Processor) {
		maxRetries := p.policy.MaxRetries
		p.policy = policy
		if p.policy.MaxRetries == 0 {
			p.policy.MaxRetries = maxRetries
		}
	}
}

// WithClock sets the time source for due-scans and retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithSpanManager sets the span manager.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(p *Processor) {
		p.spans = sm
	}
}

// New creates a processor over st that resolves handlers through handlers.
func New(st store.Store, handlers Resolver, opts ...Option) *Processor {
	p := &Processor{
		store:     st,
		handlers:  handlers,
		name:      DefaultName,
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		policy:    eferrors.DefaultRetryPolicy,
		now:       time.Now,
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements scheduler.Task.
func (p *Processor) Name() string { return p.name }

// Interval implements scheduler.Task.
func (p *Processor) Interval() time.Duration { return p.interval }

// StartupDelay implements scheduler.Task.
func (p *Processor) StartupDelay() time.Duration { return p.startupDelay }

// MaxRetries returns the failure count after which records are abandoned.
func (p *Processor) MaxRetries() int { return p.policy.MaxRetries }

// Execute implements scheduler.Task by running one tick.
func (p *Processor) Execute(ctx context.Context) error {
	stats, err := p.ProcessDue(ctx)
	if err != nil {
		return err
	}
	if stats.Due > 0 {
		p.logger.Debug("tick completed",
			slog.String("task", p.name),
			slog.Int("due", stats.Due),
			slog.Int("succeeded", stats.Succeeded),
			slog.Int("failed", stats.Failed),
			slog.Int("skipped", stats.Skipped),
			slog.Int("conflicts", stats.Conflicts),
		)
	}
	return nil
}

// ProcessDue runs one tick. It fails only when the due-scan fails; every
// per-record problem is logged and counted.
func (p *Processor) ProcessDue(ctx context.Context) (stats Stats, err error) {
	ctx, span := p.spans.StartTickSpan(ctx, p.name)
	defer func() { p.spans.EndSpanWithError(span, err) }()

	now := p.now()
	due, err := p.store.FindDueConsumerRecords(ctx, now, p.policy.MaxRetries, p.batchSize)
	if err != nil {
		return stats, err
	}
	stats.Due = len(due)

	for _, d := range due {
		if ctx.Err() != nil {
			return stats, nil
		}
		p.deliver(ctx, now, d, &stats)
	}
	return stats, nil
}

func (p *Processor) deliver(ctx context.Context, now time.Time, d event.Delivery, stats *Stats) {
	rec := d.Record
	attempt := rec.Retry + 1
	logger := observability.EnrichLogger(p.logger, d.Event.ID, rec.Endpoint, attempt)

	var outcome event.Outcome
	h, ok := p.handlers.Lookup(rec.Endpoint, d.Event.Name)
	if !ok {
		outcome = event.MarkSkipped(ReasonNoHandler)
		p.metrics.RecordSkipped(ctx, rec.Endpoint)
		observability.LogDeliverySkipped(logger, ReasonNoHandler)
	} else {
		outcome = p.invoke(ctx, h, d, attempt, now, logger)
	}

	err := p.store.UpdateConsumerStatus(ctx, rec.ID, event.Expect(rec), outcome)
	switch {
	case err == nil:
		switch outcome.Kind {
		case event.OutcomeSuccess:
			stats.Succeeded++
		case event.OutcomeFailed:
			stats.Failed++
		case event.OutcomeSkipped:
			stats.Skipped++
		}
	case errors.Is(err, store.ErrConflict):
		stats.Conflicts++
		observability.LogUpdateConflict(logger, rec.ID)
		p.spans.AddSpanEvent(ctx, "conflict")
	default:
		stats.UpdateErrors++
		observability.LogUpdateError(logger, rec.ID, err)
	}
}

// invoke runs the handler once and turns its result into an outcome.
func (p *Processor) invoke(ctx context.Context, h event.Handler, d event.Delivery, attempt int, now time.Time, logger *slog.Logger) event.Outcome {
	rec := d.Record
	hctx, span := p.spans.StartHandleSpan(ctx, rec.Endpoint, d.Event.ID, attempt)

	start := time.Now()
	err := event.Chain(h, event.Recover()).Handle(hctx, d.Event)
	elapsed := time.Since(start)

	p.spans.EndSpanWithError(span, err)
	p.metrics.RecordExecution(ctx, rec.Endpoint, elapsed, err)

	if err == nil {
		observability.LogDeliverySuccess(logger, float64(elapsed.Milliseconds()))
		return event.MarkSuccess(elapsed)
	}

	kind := event.KindOf(err)
	next := p.policy.NextRetryAt(now, attempt)
	observability.LogDeliveryFailure(logger, string(kind), err, next)
	return event.MarkFailed(kind, err.Error(), elapsed, next)
}

// Compile-time check that Processor is a scheduler task.
var _ scheduler.Task = (*Processor)(nil)
