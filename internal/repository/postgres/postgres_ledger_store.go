package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/creditledger/internal/infrastructure/observability"
	"github.com/honeynil/creditledger/internal/models"
	pkgerrors "github.com/honeynil/creditledger/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const transactionColumns = `id, account_id, plan, credits, amount, currency, gateway, COALESCE(gateway_ref, ''), COALESCE(checkout_url, ''), settled, created_at, settled_at`

type PostgresLedgerStore struct {
	db *sql.DB
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db}
}

// instrument opens a span and returns a func that records the call outcome
// in the span and in the repository metrics.
func (s *PostgresLedgerStore) instrument(ctx context.Context, method string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer("ledger-store").Start(ctx, method)
	span.SetAttributes(attrs...)
	start := time.Now()
	return ctx, func(err error) {
		status := "success"
		if err != nil && !pkgerrors.IsNotFound(err) {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues(method, status).Inc()
		observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		span.End()
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", pkgerrors.ErrStorageUnavailable, op, err)
}

func (s *PostgresLedgerStore) CreateAccount(ctx context.Context, account *models.Account) (err error) {
	ctx, done := s.instrument(ctx, "CreateAccount")
	defer func() { done(err) }()

	if account == nil {
		return fmt.Errorf("account is nil")
	}
	if account.CreditBalance < 0 {
		return fmt.Errorf("credit balance must not be negative")
	}

	query := `INSERT INTO accounts (credit_balance) VALUES ($1) RETURNING id, created_at, updated_at`
	err = s.db.QueryRowContext(ctx, query, account.CreditBalance).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		slog.Error("failed to create account", "method", "CreateAccount", "error", err)
		return unavailable("create account", err)
	}

	slog.Info("account created", "method", "CreateAccount", "account_id", account.ID)
	return nil
}

func (s *PostgresLedgerStore) GetAccount(ctx context.Context, id int64) (_ *models.Account, err error) {
	ctx, done := s.instrument(ctx, "GetAccount", attribute.Int64("account_id", id))
	defer func() { done(err) }()

	var account models.Account
	query := `SELECT id, credit_balance, created_at, updated_at FROM accounts WHERE id = $1`
	err = s.db.QueryRowContext(ctx, query, id).Scan(&account.ID, &account.CreditBalance, &account.CreatedAt, &account.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrAccountNotFound
	}
	if err != nil {
		slog.Error("failed to get account", "method", "GetAccount", "account_id", id, "error", err)
		return nil, unavailable("get account", err)
	}
	return &account, nil
}

func (s *PostgresLedgerStore) CreateTransaction(ctx context.Context, tx *models.Transaction) (err error) {
	if tx == nil {
		return pkgerrors.ErrNilTransaction
	}
	ctx, done := s.instrument(ctx, "CreateTransaction",
		attribute.Int64("account_id", tx.AccountID),
		attribute.String("plan", tx.Plan.String()),
		attribute.String("gateway", string(tx.Gateway)),
	)
	defer func() { done(err) }()

	if tx.Credits <= 0 || tx.Amount <= 0 {
		slog.Error("invalid transaction amounts", "method", "CreateTransaction", "credits", tx.Credits, "amount", tx.Amount)
		return pkgerrors.ErrInvalidAmount
	}

	// The INSERT ... SELECT inserts nothing when the account is missing.
	query := `INSERT INTO transactions (account_id, plan, credits, amount, currency, gateway, gateway_ref)
		SELECT id, $2, $3, $4, $5, $6, NULLIF($7, '') FROM accounts WHERE id = $1
		RETURNING id, created_at`
	err = s.db.QueryRowContext(ctx, query, tx.AccountID, tx.Plan, tx.Credits, tx.Amount, tx.Currency, tx.Gateway, tx.GatewayRef).
		Scan(&tx.ID, &tx.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		slog.Warn("account not found for transaction", "method", "CreateTransaction", "account_id", tx.AccountID)
		return pkgerrors.ErrAccountNotFound
	}
	if err != nil {
		slog.Error("failed to create transaction", "method", "CreateTransaction", "account_id", tx.AccountID, "error", err)
		return unavailable("create transaction", err)
	}

	tx.Settled = false
	slog.Info("transaction created", "method", "CreateTransaction", "transaction_id", tx.ID, "account_id", tx.AccountID, "plan", tx.Plan, "gateway", tx.Gateway)
	return nil
}

func scanTransaction(row *sql.Row) (*models.Transaction, error) {
	var tx models.Transaction
	var settledAt sql.NullTime
	err := row.Scan(&tx.ID, &tx.AccountID, &tx.Plan, &tx.Credits, &tx.Amount, &tx.Currency, &tx.Gateway,
		&tx.GatewayRef, &tx.CheckoutURL, &tx.Settled, &tx.CreatedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	if settledAt.Valid {
		t := settledAt.Time
		tx.SettledAt = &t
	}
	return &tx, nil
}

func (s *PostgresLedgerStore) GetTransaction(ctx context.Context, id int64) (_ *models.Transaction, err error) {
	ctx, done := s.instrument(ctx, "GetTransaction", attribute.Int64("transaction_id", id))
	defer func() { done(err) }()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if err != nil {
		slog.Error("failed to get transaction", "method", "GetTransaction", "transaction_id", id, "error", err)
		return nil, unavailable("get transaction", err)
	}
	return tx, nil
}

func (s *PostgresLedgerStore) GetTransactionByGatewayRef(ctx context.Context, gateway models.GatewayKind, ref string) (_ *models.Transaction, err error) {
	ctx, done := s.instrument(ctx, "GetTransactionByGatewayRef", attribute.String("gateway", string(gateway)))
	defer func() { done(err) }()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE gateway = $1 AND gateway_ref = $2`
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, gateway, ref))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if err != nil {
		slog.Error("failed to get transaction by gateway ref", "method", "GetTransactionByGatewayRef", "gateway", gateway, "error", err)
		return nil, unavailable("get transaction by gateway ref", err)
	}
	return tx, nil
}

func (s *PostgresLedgerStore) SetGatewayRef(ctx context.Context, id int64, ref, checkoutURL string) (err error) {
	ctx, done := s.instrument(ctx, "SetGatewayRef", attribute.Int64("transaction_id", id))
	defer func() { done(err) }()

	if ref == "" {
		return pkgerrors.ErrInvalidReference
	}

	query := `UPDATE transactions SET gateway_ref = $2, checkout_url = NULLIF($3, '') WHERE id = $1 AND gateway_ref IS NULL`
	res, err := s.db.ExecContext(ctx, query, id, ref, checkoutURL)
	if err != nil {
		slog.Error("failed to set gateway ref", "method", "SetGatewayRef", "transaction_id", id, "error", err)
		return unavailable("set gateway ref", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("set gateway ref", err)
	}
	if n == 1 {
		slog.Info("gateway ref stored", "method", "SetGatewayRef", "transaction_id", id, "gateway_ref", ref)
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return unavailable("set gateway ref", err)
	}
	if !exists {
		return pkgerrors.ErrTransactionNotFound
	}
	slog.Warn("gateway ref already set", "method", "SetGatewayRef", "transaction_id", id)
	return pkgerrors.ErrGatewayRefAlreadySet
}

// SettleAndCredit relies on the row lock taken by the conditional UPDATE: a
// concurrent caller blocks until the winner commits, then matches no row and
// reports AlreadySettled. The winner's credit is committed in the same
// database transaction as the flag.
func (s *PostgresLedgerStore) SettleAndCredit(ctx context.Context, id int64) (_ *models.Settlement, err error) {
	ctx, done := s.instrument(ctx, "SettleAndCredit", attribute.Int64("transaction_id", id))
	defer func() { done(err) }()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "SettleAndCredit", "error", err)
		return nil, unavailable("begin", err)
	}
	rollback := func(cause error) error {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "method", "SettleAndCredit", "transaction_id", id, "error", rbErr)
		}
		return cause
	}

	st := &models.Settlement{TransactionID: id}
	err = dbTx.QueryRowContext(ctx,
		`UPDATE transactions SET settled = TRUE, settled_at = NOW() WHERE id = $1 AND settled = FALSE RETURNING account_id, credits, settled_at`,
		id).Scan(&st.AccountID, &st.Credits, &st.SettledAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = dbTx.QueryRowContext(ctx, `SELECT account_id, credits FROM transactions WHERE id = $1`, id).
			Scan(&st.AccountID, &st.Credits)
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, rollback(pkgerrors.ErrTransactionNotFound)
		}
		if err != nil {
			slog.Error("failed to read settled transaction", "method", "SettleAndCredit", "transaction_id", id, "error", err)
			return nil, rollback(unavailable("read transaction", err))
		}
		_ = rollback(nil)
		st.AlreadySettled = true
		slog.Info("transaction already settled", "method", "SettleAndCredit", "transaction_id", id)
		return st, nil
	}
	if err != nil {
		slog.Error("failed to mark transaction settled", "method", "SettleAndCredit", "transaction_id", id, "error", err)
		return nil, rollback(unavailable("mark settled", err))
	}

	err = dbTx.QueryRowContext(ctx,
		`UPDATE accounts SET credit_balance = credit_balance + $1, updated_at = NOW() WHERE id = $2 RETURNING credit_balance`,
		st.Credits, st.AccountID).Scan(&st.Balance)
	if stderrors.Is(err, sql.ErrNoRows) {
		slog.Error("account missing for settled transaction", "method", "SettleAndCredit", "transaction_id", id, "account_id", st.AccountID)
		return nil, rollback(pkgerrors.ErrAccountNotFound)
	}
	if err != nil {
		slog.Error("failed to credit account", "method", "SettleAndCredit", "transaction_id", id, "account_id", st.AccountID, "error", err)
		return nil, rollback(unavailable("credit account", err))
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit settlement", "method", "SettleAndCredit", "transaction_id", id, "error", err)
		return nil, unavailable("commit", err)
	}

	slog.Info("transaction settled", "method", "SettleAndCredit", "transaction_id", id, "account_id", st.AccountID, "credits", st.Credits, "balance", st.Balance)
	return st, nil
}
