package models

import "time"

type GatewayKind string

const (
	GatewayOrder   GatewayKind = "order"
	GatewaySession GatewayKind = "session"
)

// ParseGatewayKind accepts the gateway names clients send as well as the
// provider aliases used by the web client.
func ParseGatewayKind(s string) (GatewayKind, bool) {
	switch s {
	case string(GatewayOrder), "razorpay":
		return GatewayOrder, true
	case string(GatewaySession), "stripe":
		return GatewaySession, true
	default:
		return "", false
	}
}

type Transaction struct {
	ID          int64       `json:"id"`
	AccountID   int64       `json:"account_id"`
	Plan        Plan        `json:"plan"`
	Credits     int64       `json:"credits"`
	Amount      int64       `json:"amount"`
	Currency    string      `json:"currency"`
	Gateway     GatewayKind `json:"gateway"`
	GatewayRef  string      `json:"gateway_ref,omitempty"`
	CheckoutURL string      `json:"checkout_url,omitempty"`
	Settled     bool        `json:"settled"`
	CreatedAt   time.Time   `json:"created_at"`
	SettledAt   *time.Time  `json:"settled_at,omitempty"`
}

type StatusType string

const (
	StatusCreated            StatusType = "created"
	StatusAwaitingSettlement StatusType = "awaiting_settlement"
	StatusSettled            StatusType = "settled"
)

// Status derives the lifecycle state from the persisted fields. A
// transaction never leaves settled once it gets there.
func (t *Transaction) Status() StatusType {
	switch {
	case t.Settled:
		return StatusSettled
	case t.GatewayRef != "":
		return StatusAwaitingSettlement
	default:
		return StatusCreated
	}
}

// Settlement is the outcome of a single settle-and-credit attempt.
type Settlement struct {
	TransactionID  int64
	AccountID      int64
	Credits        int64
	AlreadySettled bool
	// Balance is the account balance right after the credit; zero when
	// AlreadySettled is true.
	Balance   int64
	SettledAt time.Time
}
