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

const orderStatusPaid = "paid"

type Order struct {
	ID      string
	Status  string
	Receipt string
}

// OrderClient is the slice of an order-based provider API the ledger uses.
type OrderClient interface {
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (*Order, error)
	FetchOrder(ctx context.Context, orderID string) (*Order, error)
}

type OrderGateway struct {
	client  OrderClient
	timeout time.Duration
}

func NewOrderGateway(client OrderClient, timeout time.Duration) *OrderGateway {
	return &OrderGateway{client: client, timeout: timeout}
}

func (g *OrderGateway) Kind() models.GatewayKind {
	return models.GatewayOrder
}

func (g *OrderGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *OrderGateway) Initiate(ctx context.Context, req InitiateRequest) (_ *Initiation, err error) {
	ctx, span := otel.Tracer("gateway").Start(ctx, "OrderGateway.Initiate")
	span.SetAttributes(attribute.Int64("transaction_id", req.TransactionID))
	defer span.End()

	start := time.Now()
	defer func() {
		observeCall(models.GatewayOrder, "create_order", start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	order, err := g.client.CreateOrder(ctx, MinorUnits(req.Amount), req.Currency, Receipt(req.TransactionID))
	if err != nil {
		slog.Error("failed to create order", "method", "Initiate", "transaction_id", req.TransactionID, "error", err)
		return nil, fmt.Errorf("%w: create order: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	if order == nil || order.ID == "" {
		return nil, fmt.Errorf("%w: create order returned no order id", pkgerrors.ErrGatewayUnavailable)
	}

	slog.Info("order created", "method", "Initiate", "transaction_id", req.TransactionID, "order_id", order.ID)
	return &Initiation{GatewayRef: order.ID}, nil
}

// CheckSettlement polls the provider with the stored order id. Client
// evidence is ignored.
func (g *OrderGateway) CheckSettlement(ctx context.Context, tx *models.Transaction, _ Evidence) (_ SettlementResult, err error) {
	if tx == nil || tx.GatewayRef == "" {
		return SettlementResult{}, pkgerrors.ErrInvalidReference
	}

	ctx, span := otel.Tracer("gateway").Start(ctx, "OrderGateway.CheckSettlement")
	span.SetAttributes(attribute.Int64("transaction_id", tx.ID), attribute.String("order_id", tx.GatewayRef))
	defer span.End()

	start := time.Now()
	defer func() {
		observeCall(models.GatewayOrder, "fetch_order", start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	order, err := g.client.FetchOrder(ctx, tx.GatewayRef)
	if err != nil {
		slog.Error("failed to fetch order", "method", "CheckSettlement", "transaction_id", tx.ID, "order_id", tx.GatewayRef, "error", err)
		return SettlementResult{}, fmt.Errorf("%w: fetch order: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	if order == nil || order.ID != tx.GatewayRef {
		return SettlementResult{}, fmt.Errorf("%w: order %s not returned by gateway", pkgerrors.ErrInvalidReference, tx.GatewayRef)
	}
	if order.Receipt != "" && order.Receipt != Receipt(tx.ID) {
		slog.Warn("order receipt does not match transaction", "method", "CheckSettlement", "transaction_id", tx.ID, "order_id", order.ID, "receipt", order.Receipt)
		return SettlementResult{}, fmt.Errorf("%w: order %s belongs to receipt %s", pkgerrors.ErrInvalidReference, order.ID, order.Receipt)
	}

	return SettlementResult{
		TransactionRef: Receipt(tx.ID),
		Paid:           order.Status == orderStatusPaid,
	}, nil
}
