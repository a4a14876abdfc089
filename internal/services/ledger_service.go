package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/creditledger/internal/catalog"
	"github.com/honeynil/creditledger/internal/gateway"
	"github.com/honeynil/creditledger/internal/infrastructure/kafka"
	"github.com/honeynil/creditledger/internal/infrastructure/observability"
	"github.com/honeynil/creditledger/internal/infrastructure/redis"
	"github.com/honeynil/creditledger/internal/models"
	"github.com/honeynil/creditledger/internal/repository"
	pkgerrors "github.com/honeynil/creditledger/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultInitiateLockTTL = 30 * time.Second
	creditsCacheTTL        = time.Minute
	publishTimeout         = 5 * time.Second
)

type LedgerService interface {
	StartPurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error)
	ResumePurchase(ctx context.Context, accountID, transactionID int64, returnOrigin string) (*PurchaseResult, error)
	VerifySettlement(ctx context.Context, transactionID int64, evidence gateway.Evidence) (*VerifyResult, error)
	VerifyOrder(ctx context.Context, orderID string) (bool, error)
	GetCredits(ctx context.Context, accountID int64) (int64, error)
}

type PurchaseRequest struct {
	AccountID int64
	PlanID    string
	Gateway   models.GatewayKind
	// ReturnOrigin is where a hosted checkout sends the client back to.
	// Empty means the configured frontend URL.
	ReturnOrigin string
}

type PurchaseResult struct {
	TransactionID int64  `json:"transaction_id"`
	GatewayRef    string `json:"gateway_ref"`
	CheckoutURL   string `json:"checkout_url,omitempty"`
	Credits       int64  `json:"credits"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

type VerifyResult struct {
	TransactionID int64 `json:"transaction_id"`
	Credited      bool  `json:"credited"`
}

type Options struct {
	Currency        string
	FrontendURL     string
	EventsTopic     string
	InitiateLockTTL time.Duration
}

type ledgerService struct {
	store       repository.LedgerStore
	catalog     *catalog.Catalog
	adapters    map[models.GatewayKind]gateway.Adapter
	redisClient redis.RedisClient
	producer    kafka.KafkaProducer
	opts        Options

	// localLocks stands in for the Redis initiate lock when no Redis is
	// configured.
	localLocks sync.Map
}

// NewLedgerService wires the coordinator. redisClient and producer may be
// nil: without Redis the balance is not cached and initiate locks are
// process-local, without a producer no events are published.
func NewLedgerService(
	store repository.LedgerStore,
	cat *catalog.Catalog,
	adapters []gateway.Adapter,
	redisClient redis.RedisClient,
	producer kafka.KafkaProducer,
	opts Options,
) *ledgerService {
	if opts.InitiateLockTTL <= 0 {
		opts.InitiateLockTTL = defaultInitiateLockTTL
	}
	byKind := make(map[models.GatewayKind]gateway.Adapter, len(adapters))
	for _, a := range adapters {
		byKind[a.Kind()] = a
	}
	return &ledgerService{
		store:       store,
		catalog:     cat,
		adapters:    byKind,
		redisClient: redisClient,
		producer:    producer,
		opts:        opts,
	}
}

func (s *ledgerService) adapter(kind models.GatewayKind) (gateway.Adapter, error) {
	a, ok := s.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", pkgerrors.ErrGatewayNotConfigured, kind)
	}
	return a, nil
}

func failSpan(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

// StartPurchase records a new transaction at the catalog price and asks the
// gateway to open a payment for it. When the gateway call fails the
// transaction stays without a gateway reference and the returned result still
// carries its id, so the caller can resume it later.
func (s *ledgerService) StartPurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "StartPurchase")
	defer span.End()
	log := observability.WithContext(ctx, "method", "StartPurchase", "account_id", req.AccountID)
	span.SetAttributes(
		attribute.Int64("account_id", req.AccountID),
		attribute.String("plan_id", req.PlanID),
		attribute.String("gateway", string(req.Gateway)),
	)

	plan, price, err := s.catalog.Resolve(req.PlanID)
	if err != nil {
		log.Warn("unknown plan", "plan_id", req.PlanID)
		failSpan(span, err, "plan not found")
		return nil, err
	}

	adapter, err := s.adapter(req.Gateway)
	if err != nil {
		log.Error("gateway not configured", "gateway", req.Gateway)
		failSpan(span, err, "gateway not configured")
		return nil, err
	}

	tx := &models.Transaction{
		AccountID: req.AccountID,
		Plan:      plan,
		Credits:   price.Credits,
		Amount:    price.Amount,
		Currency:  s.opts.Currency,
		Gateway:   adapter.Kind(),
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		log.Error("failed to create transaction", "error", err)
		failSpan(span, err, "transaction creation failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("transaction_id", tx.ID))

	tx, err = s.initiate(ctx, tx, adapter, req.ReturnOrigin)
	if err != nil {
		failSpan(span, err, "gateway initiate failed")
		return purchaseResult(tx), err
	}

	log.Info("purchase started", "transaction_id", tx.ID, "plan", tx.Plan, "gateway", tx.Gateway, "gateway_ref", tx.GatewayRef)
	return purchaseResult(tx), nil
}

// ResumePurchase initiates a transaction whose earlier initiate failed. A
// transaction that already has a gateway reference is returned as is.
func (s *ledgerService) ResumePurchase(ctx context.Context, accountID, transactionID int64, returnOrigin string) (*PurchaseResult, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "ResumePurchase")
	defer span.End()
	log := observability.WithContext(ctx, "method", "ResumePurchase", "transaction_id", transactionID)
	span.SetAttributes(attribute.Int64("account_id", accountID), attribute.Int64("transaction_id", transactionID))

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		failSpan(span, err, "transaction lookup failed")
		return nil, err
	}
	if tx.AccountID != accountID {
		log.Warn("transaction belongs to another account", "account_id", accountID)
		span.SetStatus(codes.Error, "not owner")
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if tx.GatewayRef != "" {
		return purchaseResult(tx), nil
	}

	adapter, err := s.adapter(tx.Gateway)
	if err != nil {
		failSpan(span, err, "gateway not configured")
		return nil, err
	}

	tx, err = s.initiate(ctx, tx, adapter, returnOrigin)
	if err != nil {
		failSpan(span, err, "gateway initiate failed")
		return purchaseResult(tx), err
	}

	log.Info("purchase resumed", "gateway_ref", tx.GatewayRef)
	return purchaseResult(tx), nil
}

// initiate issues the outbound create at most once per transaction. The lock
// keeps concurrent callers from both reaching the gateway, and the store's
// set-once gateway reference settles any race the lock missed.
func (s *ledgerService) initiate(ctx context.Context, tx *models.Transaction, adapter gateway.Adapter, origin string) (*models.Transaction, error) {
	log := observability.WithContext(ctx, "method", "initiate", "transaction_id", tx.ID)

	release, err := s.acquireInitiateLock(ctx, tx.ID)
	if err != nil {
		log.Warn("initiate lock not acquired", "error", err)
		return tx, err
	}
	defer release()

	current, err := s.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return tx, err
	}
	if current.GatewayRef != "" {
		return current, nil
	}

	successURL, cancelURL := s.returnURLs(origin, tx.ID)
	started, err := adapter.Initiate(ctx, gateway.InitiateRequest{
		TransactionID: tx.ID,
		Amount:        current.Amount,
		Currency:      current.Currency,
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
	})
	if err != nil {
		log.Error("gateway initiate failed", "gateway", adapter.Kind(), "error", err)
		return current, err
	}

	err = s.store.SetGatewayRef(ctx, tx.ID, started.GatewayRef, started.CheckoutURL)
	if stderrors.Is(err, pkgerrors.ErrGatewayRefAlreadySet) {
		log.Warn("gateway reference set concurrently, discarding new one", "discarded_ref", started.GatewayRef)
		return s.store.GetTransaction(ctx, tx.ID)
	}
	if err != nil {
		log.Error("failed to store gateway reference", "gateway_ref", started.GatewayRef, "error", err)
		return current, err
	}

	current.GatewayRef = started.GatewayRef
	current.CheckoutURL = started.CheckoutURL
	s.publish(ctx, kafka.EventPurchaseStarted, current, 0)
	return current, nil
}

func (s *ledgerService) acquireInitiateLock(ctx context.Context, transactionID int64) (func(), error) {
	key := redis.InitiateLockKey(transactionID)

	if s.redisClient == nil {
		if _, held := s.localLocks.LoadOrStore(key, struct{}{}); held {
			return nil, pkgerrors.ErrInitiationInProgress
		}
		return func() { s.localLocks.Delete(key) }, nil
	}

	token := uuid.NewString()
	ok, err := s.redisClient.SetNX(ctx, key, token, s.opts.InitiateLockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: initiate lock: %v", pkgerrors.ErrStorageUnavailable, err)
	}
	if !ok {
		return nil, pkgerrors.ErrInitiationInProgress
	}
	// A lock that outlived its TTL may belong to someone else by now, so only
	// the holder's own token is removed.
	return func() {
		released, err := s.redisClient.DelIfValue(context.WithoutCancel(ctx), key, token)
		if err != nil {
			observability.WithContext(ctx).Error("failed to release initiate lock", "transaction_id", transactionID, "error", err)
			return
		}
		if !released {
			observability.WithContext(ctx).Warn("initiate lock expired before release", "transaction_id", transactionID)
		}
	}, nil
}

func (s *ledgerService) returnURLs(origin string, transactionID int64) (string, string) {
	if origin == "" {
		origin = s.opts.FrontendURL
	}
	base := strings.TrimRight(origin, "/") + "/verify"
	id := strconv.FormatInt(transactionID, 10)
	return base + "?success=true&transactionId=" + id,
		base + "?success=false&transactionId=" + id
}

// VerifySettlement asks the transaction's own gateway whether it was paid and
// credits the account on the first confirmation. Credited is false for every
// later call; that is a success, not a failure.
func (s *ledgerService) VerifySettlement(ctx context.Context, transactionID int64, evidence gateway.Evidence) (*VerifyResult, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "VerifySettlement")
	defer span.End()
	log := observability.WithContext(ctx, "method", "VerifySettlement", "transaction_id", transactionID)
	span.SetAttributes(attribute.Int64("transaction_id", transactionID))

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		log.Error("failed to load transaction", "error", err)
		failSpan(span, err, "transaction lookup failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("gateway", string(tx.Gateway)))

	if tx.Settled {
		observability.SettlementOutcomes.WithLabelValues(string(tx.Gateway), "already_settled").Inc()
		log.Info("transaction already settled")
		return &VerifyResult{TransactionID: tx.ID}, nil
	}

	adapter, err := s.adapter(tx.Gateway)
	if err != nil {
		failSpan(span, err, "gateway not configured")
		return nil, err
	}

	res, err := adapter.CheckSettlement(ctx, tx, evidence)
	if err != nil {
		observability.SettlementOutcomes.WithLabelValues(string(tx.Gateway), "error").Inc()
		log.Error("settlement check failed", "gateway", tx.Gateway, "error", err)
		failSpan(span, err, "settlement check failed")
		return nil, err
	}
	if !res.Paid {
		observability.SettlementOutcomes.WithLabelValues(string(tx.Gateway), "not_confirmed").Inc()
		log.Info("payment not confirmed", "gateway", tx.Gateway)
		span.SetStatus(codes.Error, "payment not confirmed")
		return nil, pkgerrors.ErrPaymentNotConfirmed
	}

	st, err := s.store.SettleAndCredit(ctx, tx.ID)
	if err != nil {
		observability.SettlementOutcomes.WithLabelValues(string(tx.Gateway), "error").Inc()
		log.Error("failed to settle transaction", "error", err)
		failSpan(span, err, "settle failed")
		return nil, err
	}
	if st.AlreadySettled {
		observability.SettlementOutcomes.WithLabelValues(string(tx.Gateway), "already_settled").Inc()
		log.Info("transaction settled by a concurrent call")
		return &VerifyResult{TransactionID: tx.ID}, nil
	}

	observability.SettlementOutcomes.WithLabelValues(string(tx.Gateway), "credited").Inc()
	observability.CreditsIssued.WithLabelValues(tx.Plan.String()).Add(float64(st.Credits))
	s.cacheCredits(ctx, st.AccountID, st.Balance)
	tx.Settled = true
	tx.SettledAt = &st.SettledAt
	s.publish(ctx, kafka.EventTransactionSettled, tx, st.Balance)

	log.Info("account credited", "account_id", st.AccountID, "credits", st.Credits, "balance", st.Balance)
	return &VerifyResult{TransactionID: tx.ID, Credited: true}, nil
}

// VerifyOrder settles an order-gateway transaction identified by the
// gateway's order id.
func (s *ledgerService) VerifyOrder(ctx context.Context, orderID string) (bool, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "VerifyOrder")
	defer span.End()
	log := observability.WithContext(ctx, "method", "VerifyOrder", "order_id", orderID)
	span.SetAttributes(attribute.String("order_id", orderID))

	if orderID == "" {
		span.SetStatus(codes.Error, "empty order id")
		return false, pkgerrors.ErrInvalidReference
	}

	tx, err := s.store.GetTransactionByGatewayRef(ctx, models.GatewayOrder, orderID)
	if err != nil {
		log.Warn("no transaction for order", "error", err)
		failSpan(span, err, "transaction lookup failed")
		return false, err
	}

	res, err := s.VerifySettlement(ctx, tx.ID, gateway.Evidence{})
	if err != nil {
		return false, err
	}
	return res.Credited, nil
}

func (s *ledgerService) GetCredits(ctx context.Context, accountID int64) (int64, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "GetCredits")
	defer span.End()
	log := observability.WithContext(ctx, "method", "GetCredits", "account_id", accountID)

	key := redis.CreditsKey(accountID)
	if s.redisClient != nil {
		cached, err := s.redisClient.Get(ctx, key)
		if err == nil {
			balance, perr := strconv.ParseInt(cached, 10, 64)
			if perr == nil {
				log.Debug("credits fetched from Redis", "balance", balance)
				return balance, nil
			}
			log.Error("failed to parse cached credits", "error", perr)
		} else if !stderrors.Is(err, redis.ErrKeyNotFound) {
			log.Error("failed to read credits cache", "error", err)
		}
	}

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		log.Error("failed to get account", "error", err)
		failSpan(span, err, "account lookup failed")
		return 0, err
	}

	// SetNX: a settlement may have written a newer balance since the read.
	if s.redisClient != nil {
		if _, err := s.redisClient.SetNX(ctx, key, account.CreditBalance, creditsCacheTTL); err != nil {
			log.Error("failed to cache credits", "error", err)
		}
	}
	return account.CreditBalance, nil
}

// cacheCredits writes the balance returned by the settling update.
func (s *ledgerService) cacheCredits(ctx context.Context, accountID, balance int64) {
	if s.redisClient == nil {
		return
	}
	if err := s.redisClient.Set(ctx, redis.CreditsKey(accountID), balance, creditsCacheTTL); err != nil {
		observability.WithContext(ctx).Error("failed to cache credits", "account_id", accountID, "error", err)
	}
}

// publish is best effort: the ledger outcome is already durable.
func (s *ledgerService) publish(ctx context.Context, eventType string, tx *models.Transaction, balance int64) {
	if s.producer == nil || s.opts.EventsTopic == "" {
		return
	}

	event := kafka.LedgerEvent{
		EventID:       uuid.NewString(),
		Type:          eventType,
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		Plan:          tx.Plan.String(),
		Credits:       tx.Credits,
		Gateway:       string(tx.Gateway),
		GatewayRef:    tx.GatewayRef,
		Balance:       balance,
		OccurredAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		observability.WithContext(ctx).Error("failed to marshal Kafka event", "type", eventType, "transaction_id", tx.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.producer.Send(ctx, s.opts.EventsTopic, strconv.FormatInt(tx.ID, 10), payload); err != nil {
		observability.WithContext(ctx).Error("failed to publish ledger event", "type", eventType, "event_id", event.EventID, "transaction_id", tx.ID, "error", err)
		return
	}
	observability.WithContext(ctx).Info("ledger event published", "type", eventType, "event_id", event.EventID, "transaction_id", tx.ID)
}

func purchaseResult(tx *models.Transaction) *PurchaseResult {
	if tx == nil {
		return nil
	}
	return &PurchaseResult{
		TransactionID: tx.ID,
		GatewayRef:    tx.GatewayRef,
		CheckoutURL:   tx.CheckoutURL,
		Credits:       tx.Credits,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
	}
}
