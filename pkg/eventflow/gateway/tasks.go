package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/scheduler"
)

// Task names.
const (
	ExpireStaleBuysTask = "expire-stale-buys"
	VerifyPaidBuysTask  = "verify-paid-buys"
	ResolveDisputesTask = "resolve-disputes"
)

// Resolution recorded when a dispute passes its deadline without a ruling.
const ResolutionRefundBuyer = "refund_buyer"

// ErrAlreadyTransitioned is returned by a BuyRepository when another
// process moved the buy first. Tasks skip such buys silently.
var ErrAlreadyTransitioned = errors.New("buy already transitioned")

// Buy is the slice of a buy the reconciliation tasks need.
type Buy struct {
	ID               string
	PaymentRequestID string
	AmountCents      int64
	CreatedAt        time.Time
}

// Dispute is an open dispute on a buy.
type Dispute struct {
	BuyID    string
	OpenedAt time.Time
	Deadline time.Time
}

// BuyRepository owns buy state. Each transition must be conditional on
// the buy still being in the state it was listed in.
type BuyRepository interface {
	ListUnpaidCreatedBefore(ctx context.Context, before time.Time) ([]Buy, error)
	MarkExpired(ctx context.Context, buyID string, at time.Time) error

	ListAwaitingPayment(ctx context.Context) ([]Buy, error)
	MarkPaid(ctx context.Context, buyID string, at time.Time) error

	ListDisputesPastDeadline(ctx context.Context, now time.Time) ([]Dispute, error)
	ResolveDispute(ctx context.Context, buyID, resolution string, at time.Time) error
}

// PaymentVerifier asks the PIX provider whether a charge was settled.
type PaymentVerifier interface {
	IsPaid(ctx context.Context, paymentRequestID string) (bool, error)
}

// Publisher records facts for delivery.
type Publisher interface {
	PublishTyped(ctx context.Context, payload event.Payload, origin string, opts ...event.Option) (string, error)
}

// TaskOption configures a reconciliation task.
type TaskOption func(*taskConfig)

type taskConfig struct {
	startupDelay time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// WithStartupDelay delays the task's first interval.
func WithStartupDelay(d time.Duration) TaskOption {
	return func(c *taskConfig) {
		c.startupDelay = d
	}
}

// WithClock overrides the task clock.
func WithClock(now func() time.Time) TaskOption {
	return func(c *taskConfig) {
		c.now = now
	}
}

// WithLogger sets the logger for per-buy failures.
func WithLogger(logger *slog.Logger) TaskOption {
	return func(c *taskConfig) {
		c.logger = logger
	}
}

func buildTaskConfig(opts []TaskOption) taskConfig {
	cfg := taskConfig{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

func (c taskConfig) schedulerOptions() []scheduler.TaskOption {
	return []scheduler.TaskOption{scheduler.WithStartupDelay(c.startupDelay)}
}

// NewExpireStaleBuysTask expires buys left unpaid for longer than ttl and
// publishes BuyExpired for each.
func NewExpireStaleBuysTask(repo BuyRepository, pub Publisher, interval, ttl time.Duration, opts ...TaskOption) scheduler.Task {
	cfg := buildTaskConfig(opts)

	return scheduler.NewTask(ExpireStaleBuysTask, interval, func(ctx context.Context) error {
		now := cfg.now()
		buys, err := repo.ListUnpaidCreatedBefore(ctx, now.Add(-ttl))
		if err != nil {
			return fmt.Errorf("list stale buys: %w", err)
		}

		var errs []error
		for _, b := range buys {
			err := transition(ctx, func() error { return repo.MarkExpired(ctx, b.ID, now) },
				pub, BuyExpired{BuyID: b.ID, ExpiredAt: now}, ExpireStaleBuysTask)
			if err != nil {
				cfg.logger.Warn("buy expiry failed", "buy_id", b.ID, "error", err)
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}, cfg.schedulerOptions()...)
}

// NewVerifyPaidBuysTask polls the PIX provider for buys awaiting payment,
// marks settled ones paid and publishes BuyPaid.
func NewVerifyPaidBuysTask(repo BuyRepository, verifier PaymentVerifier, pub Publisher, interval time.Duration, opts ...TaskOption) scheduler.Task {
	cfg := buildTaskConfig(opts)

	return scheduler.NewTask(VerifyPaidBuysTask, interval, func(ctx context.Context) error {
		buys, err := repo.ListAwaitingPayment(ctx)
		if err != nil {
			return fmt.Errorf("list awaiting payment: %w", err)
		}

		var errs []error
		for _, b := range buys {
			paid, err := verifier.IsPaid(ctx, b.PaymentRequestID)
			if err != nil {
				cfg.logger.Warn("payment check failed", "buy_id", b.ID, "error", err)
				errs = append(errs, fmt.Errorf("check buy %s: %w", b.ID, err))
				continue
			}
			if !paid {
				continue
			}

			now := cfg.now()
			err = transition(ctx, func() error { return repo.MarkPaid(ctx, b.ID, now) },
				pub, BuyPaid{BuyID: b.ID, AmountCents: b.AmountCents, PaidAt: now}, VerifyPaidBuysTask)
			if err != nil {
				cfg.logger.Warn("marking buy paid failed", "buy_id", b.ID, "error", err)
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}, cfg.schedulerOptions()...)
}

// NewResolveDisputesTask refunds the buyer on disputes past their deadline
// and publishes DisputeResolved.
func NewResolveDisputesTask(repo BuyRepository, pub Publisher, interval time.Duration, opts ...TaskOption) scheduler.Task {
	cfg := buildTaskConfig(opts)

	return scheduler.NewTask(ResolveDisputesTask, interval, func(ctx context.Context) error {
		now := cfg.now()
		disputes, err := repo.ListDisputesPastDeadline(ctx, now)
		if err != nil {
			return fmt.Errorf("list disputes: %w", err)
		}

		var errs []error
		for _, d := range disputes {
			fact := DisputeResolved{BuyID: d.BuyID, Resolution: ResolutionRefundBuyer, ResolvedAt: now}
			err := transition(ctx, func() error { return repo.ResolveDispute(ctx, d.BuyID, ResolutionRefundBuyer, now) },
				pub, fact, ResolveDisputesTask)
			if err != nil {
				cfg.logger.Warn("dispute resolution failed", "buy_id", d.BuyID, "error", err)
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}, cfg.schedulerOptions()...)
}

// transition applies a state change and publishes its fact. A buy moved by
// someone else is not an error and publishes nothing.
func transition(ctx context.Context, apply func() error, pub Publisher, fact event.Payload, origin string) error {
	if err := apply(); err != nil {
		if errors.Is(err, ErrAlreadyTransitioned) {
			return nil
		}
		return fmt.Errorf("%s: %w", fact.EventName(), err)
	}
	if _, err := pub.PublishTyped(ctx, fact, origin); err != nil {
		return err
	}
	return nil
}
