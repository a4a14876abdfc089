// Package gateway adapts external payment providers to the ledger's
// initiate / check-settlement contract.
//
// The two variants establish settlement truth differently. The order gateway
// asks the provider for the order status; the session gateway trusts the
// success flag the client brings back from the hosted checkout redirect. The
// coordinator picks the adapter from the transaction's recorded gateway kind,
// so evidence meant for one variant is never fed to the other.
package gateway

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/creditledger/internal/infrastructure/observability"
	"github.com/honeynil/creditledger/internal/models"
)

type InitiateRequest struct {
	TransactionID int64
	// Amount is in whole currency units, as stored on the transaction.
	Amount   int64
	Currency string
	// SuccessURL and CancelURL are only used by redirect-based gateways.
	SuccessURL string
	CancelURL  string
}

type Initiation struct {
	GatewayRef  string
	CheckoutURL string
}

// Evidence is what the caller of a verification brings along.
type Evidence struct {
	// Success is the redirect flag of a hosted checkout.
	Success bool
}

type SettlementResult struct {
	TransactionRef string
	Paid           bool
}

type Adapter interface {
	Kind() models.GatewayKind
	Initiate(ctx context.Context, req InitiateRequest) (*Initiation, error)
	CheckSettlement(ctx context.Context, tx *models.Transaction, evidence Evidence) (SettlementResult, error)
}

// MinorUnits converts a whole-unit amount to the smallest currency unit.
func MinorUnits(amount int64) int64 {
	return amount * 100
}

// Receipt is the reference under which a transaction is known to a gateway.
func Receipt(transactionID int64) string {
	return strconv.FormatInt(transactionID, 10)
}

// IdempotencyKey is stable for a transaction, so a repeated create request
// for the same transaction is collapsed by the provider.
func IdempotencyKey(transactionID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("credit-purchase/"+Receipt(transactionID))).String()
}

func observeCall(kind models.GatewayKind, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.GatewayCalls.WithLabelValues(string(kind), operation, status).Inc()
	observability.GatewayDuration.WithLabelValues(string(kind), operation).Observe(time.Since(start).Seconds())
}
