package kafka

import "time"

const (
	EventTransactionSettled = "transaction_settled"
	EventPurchaseStarted    = "purchase_started"
)

// LedgerEvent is published on the ledger events topic.
type LedgerEvent struct {
	EventID       string    `json:"event_id"`
	Type          string    `json:"type"`
	TransactionID int64     `json:"transaction_id"`
	AccountID     int64     `json:"account_id"`
	Plan          string    `json:"plan"`
	Credits       int64     `json:"credits"`
	Gateway       string    `json:"gateway"`
	GatewayRef    string    `json:"gateway_ref,omitempty"`
	Balance       int64     `json:"balance,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PaymentNotification is consumed from the payment notifications topic,
// typically relayed from a gateway webhook.
type PaymentNotification struct {
	Gateway string `json:"gateway"`
	OrderID string `json:"order_id"`
}
