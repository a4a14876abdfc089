package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/creditledger/internal/models"
	pkgerrors "github.com/honeynil/creditledger/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type SessionParams struct {
	AmountMinor    int64
	Currency       string
	ProductName    string
	SuccessURL     string
	CancelURL      string
	ClientRef      string
	IdempotencyKey string
}

type Session struct {
	ID  string
	URL string
}

// SessionClient is the slice of a hosted-checkout provider API the ledger
// uses.
type SessionClient interface {
	CreateSession(ctx context.Context, params SessionParams) (*Session, error)
}

type SessionGateway struct {
	client  SessionClient
	timeout time.Duration
}

func NewSessionGateway(client SessionClient, timeout time.Duration) *SessionGateway {
	return &SessionGateway{client: client, timeout: timeout}
}

func (g *SessionGateway) Kind() models.GatewayKind {
	return models.GatewaySession
}

func (g *SessionGateway) Initiate(ctx context.Context, req InitiateRequest) (_ *Initiation, err error) {
	ctx, span := otel.Tracer("gateway").Start(ctx, "SessionGateway.Initiate")
	span.SetAttributes(attribute.Int64("transaction_id", req.TransactionID))
	defer span.End()

	start := time.Now()
	defer func() {
		observeCall(models.GatewaySession, "create_session", start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if req.SuccessURL == "" || req.CancelURL == "" {
		return nil, fmt.Errorf("%w: success and cancel URLs are required", pkgerrors.ErrInvalidReference)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	session, err := g.client.CreateSession(ctx, SessionParams{
		AmountMinor:    MinorUnits(req.Amount),
		Currency:       req.Currency,
		ProductName:    "Credit Purchase",
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
		ClientRef:      Receipt(req.TransactionID),
		IdempotencyKey: IdempotencyKey(req.TransactionID),
	})
	if err != nil {
		slog.Error("failed to create checkout session", "method", "Initiate", "transaction_id", req.TransactionID, "error", err)
		return nil, fmt.Errorf("%w: create session: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	if session == nil || session.ID == "" {
		return nil, fmt.Errorf("%w: create session returned no session id", pkgerrors.ErrGatewayUnavailable)
	}

	slog.Info("checkout session created", "method", "Initiate", "transaction_id", req.TransactionID, "session_id", session.ID)
	return &Initiation{GatewayRef: session.ID, CheckoutURL: session.URL}, nil
}

// CheckSettlement does not call the provider: the client-supplied redirect
// flag is the settlement signal for this protocol. A transaction without a
// session was never sent to checkout and cannot have been paid.
func (g *SessionGateway) CheckSettlement(_ context.Context, tx *models.Transaction, evidence Evidence) (SettlementResult, error) {
	if tx == nil || tx.GatewayRef == "" {
		return SettlementResult{}, pkgerrors.ErrInvalidReference
	}
	return SettlementResult{
		TransactionRef: Receipt(tx.ID),
		Paid:           evidence.Success,
	}, nil
}
