// Package gateway defines the payment gateway's business facts and the
// periodic reconciliation tasks that emit some of them.
package gateway

import "time"

// Event names.
const (
	AdvertisementCreatedEvent  = "advertisement.created"
	DepositConfirmedEvent      = "deposit.confirmed"
	InviteSentEvent            = "invite.sent"
	PaymentRequestCreatedEvent = "payment_request.created"
	BuyExpiredEvent            = "buy.expired"
	BuyPaidEvent               = "buy.paid"
	DisputeResolvedEvent       = "dispute.resolved"
)

// Aggregate types.
const (
	AggregateAdvertisement  = "advertisement"
	AggregateDeposit        = "deposit"
	AggregateInvite         = "invite"
	AggregatePaymentRequest = "payment_request"
	AggregateBuy            = "buy"
)

// AdvertisementCreated is emitted when a seller lists bitcoin for sale.
type AdvertisementCreated struct {
	AdvertisementID string `json:"advertisement_id"`
	SellerID        string `json:"seller_id"`
	PriceCents      int64  `json:"price_cents"`
	MinSats         int64  `json:"min_sats"`
	MaxSats         int64  `json:"max_sats"`
}

func (AdvertisementCreated) EventName() string { return AdvertisementCreatedEvent }
func (AdvertisementCreated) AggregateType() string { return AggregateAdvertisement }
func (e AdvertisementCreated) AggregateID() string { return e.AdvertisementID }

// DepositConfirmed is emitted once an on-chain deposit has enough
// confirmations.
type DepositConfirmed struct {
	DepositID     string `json:"deposit_id"`
	UserID        string `json:"user_id"`
	TxID          string `json:"txid"`
	Sats          int64  `json:"sats"`
	Confirmations int    `json:"confirmations"`
}

func (DepositConfirmed) EventName() string { return DepositConfirmedEvent }
func (DepositConfirmed) AggregateType() string { return AggregateDeposit }
func (e DepositConfirmed) AggregateID() string { return e.DepositID }

// InviteSent is emitted when a user invites someone by email.
type InviteSent struct {
	InviteID  string    `json:"invite_id"`
	InviterID string    `json:"inviter_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (InviteSent) EventName() string { return InviteSentEvent }
func (InviteSent) AggregateType() string { return AggregateInvite }
func (e InviteSent) AggregateID() string { return e.InviteID }

// PaymentRequestCreated is emitted when a buyer opens a PIX charge.
type PaymentRequestCreated struct {
	PaymentRequestID string `json:"payment_request_id"`
	BuyID            string `json:"buy_id"`
	AmountCents      int64  `json:"amount_cents"`
	PixKey           string `json:"pix_key"`
	// RequestID correlates the charge with the API call that created it.
	RequestID string `json:"request_id,omitempty"`
}

func (PaymentRequestCreated) EventName() string { return PaymentRequestCreatedEvent }
func (PaymentRequestCreated) AggregateType() string { return AggregatePaymentRequest }
func (e PaymentRequestCreated) AggregateID() string { return e.PaymentRequestID }
func (e PaymentRequestCreated) CorrelationID() string { return e.RequestID }

// BuyExpired is emitted when a buy passes its payment window unpaid.
type BuyExpired struct {
	BuyID     string    `json:"buy_id"`
	ExpiredAt time.Time `json:"expired_at"`
}

func (BuyExpired) EventName() string { return BuyExpiredEvent }
func (BuyExpired) AggregateType() string { return AggregateBuy }
func (e BuyExpired) AggregateID() string { return e.BuyID }

// BuyPaid is emitted when the PIX provider confirms a buy's payment.
type BuyPaid struct {
	BuyID       string    `json:"buy_id"`
	AmountCents int64     `json:"amount_cents"`
	PaidAt      time.Time `json:"paid_at"`
}

func (BuyPaid) EventName() string { return BuyPaidEvent }
func (BuyPaid) AggregateType() string { return AggregateBuy }
func (e BuyPaid) AggregateID() string { return e.BuyID }

// DisputeResolved is emitted when a disputed buy is settled.
type DisputeResolved struct {
	BuyID      string    `json:"buy_id"`
	Resolution string    `json:"resolution"`
	ResolvedAt time.Time `json:"resolved_at"`
}

func (DisputeResolved) EventName() string { return DisputeResolvedEvent }
func (DisputeResolved) AggregateType() string { return AggregateBuy }
func (e DisputeResolved) AggregateID() string { return e.BuyID }

func (e DisputeResolved) EventMetadata() map[string]any {
	return map[string]any{"resolution": e.Resolution}
}
