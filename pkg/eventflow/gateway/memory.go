package gateway

import (
	"context"
	"sort"
	"sync"
	"time"
)

// BuyState is the lifecycle state of a buy.
type BuyState string

// Buy states.
const (
	BuyAwaitingPayment BuyState = "awaiting_payment"
	BuyExpiredState    BuyState = "expired"
	BuyPaidState       BuyState = "paid"
	BuyDisputed        BuyState = "disputed"
	BuyResolved        BuyState = "resolved"
)

type buyEntry struct {
	buy        Buy
	state      BuyState
	dispute    *Dispute
	resolution string
	changedAt  time.Time
}

// MemoryBuyRepository is an in-process BuyRepository.
type MemoryBuyRepository struct {
	mu   sync.Mutex
	buys map[string]*buyEntry
}

// NewMemoryBuyRepository creates an empty repository.
func NewMemoryBuyRepository() *MemoryBuyRepository {
	return &MemoryBuyRepository{buys: make(map[string]*buyEntry)}
}

// Add stores a buy awaiting payment.
func (r *MemoryBuyRepository) Add(b Buy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buys[b.ID] = &buyEntry{buy: b, state: BuyAwaitingPayment, changedAt: b.CreatedAt}
}

// OpenDispute moves a paid buy into dispute.
func (r *MemoryBuyRepository) OpenDispute(buyID string, openedAt, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.buys[buyID]
	if !ok || e.state != BuyPaidState {
		return ErrAlreadyTransitioned
	}
	e.state = BuyDisputed
	e.dispute = &Dispute{BuyID: buyID, OpenedAt: openedAt, Deadline: deadline}
	e.changedAt = openedAt
	return nil
}

// State returns the buy's state and whether it exists.
func (r *MemoryBuyRepository) State(buyID string) (BuyState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.buys[buyID]
	if !ok {
		return "", false
	}
	return e.state, true
}

// ListUnpaidCreatedBefore implements BuyRepository.
func (r *MemoryBuyRepository) ListUnpaidCreatedBefore(_ context.Context, before time.Time) ([]Buy, error) {
	return r.list(func(e *buyEntry) bool {
		return e.state == BuyAwaitingPayment && e.buy.CreatedAt.Before(before)
	}), nil
}

// MarkExpired implements BuyRepository.
func (r *MemoryBuyRepository) MarkExpired(_ context.Context, buyID string, at time.Time) error {
	return r.move(buyID, BuyAwaitingPayment, BuyExpiredState, at)
}

// ListAwaitingPayment implements BuyRepository.
func (r *MemoryBuyRepository) ListAwaitingPayment(context.Context) ([]Buy, error) {
	return r.list(func(e *buyEntry) bool { return e.state == BuyAwaitingPayment }), nil
}

// MarkPaid implements BuyRepository.
func (r *MemoryBuyRepository) MarkPaid(_ context.Context, buyID string, at time.Time) error {
	return r.move(buyID, BuyAwaitingPayment, BuyPaidState, at)
}

// ListDisputesPastDeadline implements BuyRepository.
func (r *MemoryBuyRepository) ListDisputesPastDeadline(_ context.Context, now time.Time) ([]Dispute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Dispute
	for _, e := range r.buys {
		if e.state == BuyDisputed && !e.dispute.Deadline.After(now) {
			out = append(out, *e.dispute)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BuyID < out[j].BuyID })
	return out, nil
}

// ResolveDispute implements BuyRepository.
func (r *MemoryBuyRepository) ResolveDispute(_ context.Context, buyID, resolution string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.buys[buyID]
	if !ok || e.state != BuyDisputed {
		return ErrAlreadyTransitioned
	}
	e.state = BuyResolved
	e.resolution = resolution
	e.changedAt = at
	return nil
}

func (r *MemoryBuyRepository) move(buyID string, from, to BuyState, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.buys[buyID]
	if !ok || e.state != from {
		return ErrAlreadyTransitioned
	}
	e.state = to
	e.changedAt = at
	return nil
}

func (r *MemoryBuyRepository) list(match func(*buyEntry) bool) []Buy {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Buy
	for _, e := range r.buys {
		if match(e) {
			out = append(out, e.buy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var _ BuyRepository = (*MemoryBuyRepository)(nil)

// SandboxPix is a PaymentVerifier for environments without a PIX
// provider. Charges count as paid once Settle is called for them.
type SandboxPix struct {
	mu      sync.Mutex
	settled map[string]bool
}

// NewSandboxPix creates a sandbox with no settled charges.
func NewSandboxPix() *SandboxPix {
	return &SandboxPix{settled: make(map[string]bool)}
}

// Settle marks a charge as paid.
func (s *SandboxPix) Settle(paymentRequestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled[paymentRequestID] = true
}

// IsPaid implements PaymentVerifier.
func (s *SandboxPix) IsPaid(_ context.Context, paymentRequestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled[paymentRequestID], nil
}

var _ PaymentVerifier = (*SandboxPix)(nil)
