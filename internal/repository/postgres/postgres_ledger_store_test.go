package repository_test

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/honeynil/creditledger/internal/models"
	repository "github.com/honeynil/creditledger/internal/repository/postgres"
	pkgerrors "github.com/honeynil/creditledger/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transactionRowColumns = []string{"id", "account_id", "plan", "credits", "amount", "currency", "gateway", "gateway_ref", "checkout_url", "settled", "created_at", "settled_at"}

func TestPostgresLedgerStore_CreateAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := repository.NewPostgresLedgerStore(db)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		now := time.Now().UTC()
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO accounts (credit_balance) VALUES ($1) RETURNING id, created_at, updated_at`)).
			WithArgs(int64(0)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(1), now, now))

		acc := &models.Account{}
		require.NoError(t, store.CreateAccount(ctx, acc))
		assert.Equal(t, int64(1), acc.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NegativeBalance", func(t *testing.T) {
		err := store.CreateAccount(ctx, &models.Account{CreditBalance: -1})
		assert.Error(t, err)
	})
}

func TestPostgresLedgerStore_GetAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := repository.NewPostgresLedgerStore(db)
	ctx := context.Background()
	query := regexp.QuoteMeta(`SELECT id, credit_balance, created_at, updated_at FROM accounts WHERE id = $1`)

	t.Run("Success", func(t *testing.T) {
		now := time.Now().UTC()
		mock.ExpectQuery(query).
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "credit_balance", "created_at", "updated_at"}).AddRow(int64(3), int64(500), now, now))

		acc, err := store.GetAccount(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(500), acc.CreditBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(query).
			WithArgs(int64(4)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "credit_balance", "created_at", "updated_at"}))

		acc, err := store.GetAccount(ctx, 4)
		assert.Nil(t, acc)
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		mock.ExpectQuery(query).
			WithArgs(int64(5)).
			WillReturnError(fmt.Errorf("connection refused"))

		_, err := store.GetAccount(ctx, 5)
		assert.ErrorIs(t, err, pkgerrors.ErrStorageUnavailable)
		assert.Contains(t, err.Error(), "connection refused")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLedgerStore_CreateTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := repository.NewPostgresLedgerStore(db)
	ctx := context.Background()

	newTx := func() *models.Transaction {
		return &models.Transaction{
			AccountID: 1,
			Plan:      models.PlanBasic,
			Credits:   100,
			Amount:    10,
			Currency:  "INR",
			Gateway:   models.GatewayOrder,
		}
	}

	t.Run("NilTransaction", func(t *testing.T) {
		assert.ErrorIs(t, store.CreateTransaction(ctx, nil), pkgerrors.ErrNilTransaction)
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		tx := newTx()
		tx.Credits = 0
		assert.ErrorIs(t, store.CreateTransaction(ctx, tx), pkgerrors.ErrInvalidAmount)
	})

	t.Run("Success", func(t *testing.T) {
		tx := newTx()
		createdAt := time.Now().UTC()
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO transactions (account_id, plan, credits, amount, currency, gateway, gateway_ref)`)).
			WithArgs(int64(1), models.PlanBasic, int64(100), int64(10), "INR", models.GatewayOrder, "").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), createdAt))

		require.NoError(t, store.CreateTransaction(ctx, tx))
		assert.Equal(t, int64(7), tx.ID)
		assert.False(t, tx.Settled)
		assert.WithinDuration(t, createdAt, tx.CreatedAt, time.Second)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("AccountNotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO transactions`)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}))

		err := store.CreateTransaction(ctx, newTx())
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO transactions`)).
			WillReturnError(fmt.Errorf("database error"))

		err := store.CreateTransaction(ctx, newTx())
		assert.ErrorIs(t, err, pkgerrors.ErrStorageUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLedgerStore_GetTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := repository.NewPostgresLedgerStore(db)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		createdAt := time.Now().UTC()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM transactions WHERE id = $1`)).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows(transactionRowColumns).
				AddRow(int64(7), int64(1), "Basic", int64(100), int64(10), "INR", "order", "order_abc", "", false, createdAt, nil))

		tx, err := store.GetTransaction(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, models.PlanBasic, tx.Plan)
		assert.Equal(t, models.GatewayOrder, tx.Gateway)
		assert.Equal(t, "order_abc", tx.GatewayRef)
		assert.Nil(t, tx.SettledAt)
		assert.Equal(t, models.StatusAwaitingSettlement, tx.Status())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Settled", func(t *testing.T) {
		now := time.Now().UTC()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM transactions WHERE id = $1`)).
			WithArgs(int64(8)).
			WillReturnRows(sqlmock.NewRows(transactionRowColumns).
				AddRow(int64(8), int64(1), "Business", int64(5000), int64(250), "usd", "session", "cs_123", "https://checkout", true, now, now))

		tx, err := store.GetTransaction(ctx, 8)
		require.NoError(t, err)
		assert.True(t, tx.Settled)
		require.NotNil(t, tx.SettledAt)
		assert.Equal(t, models.StatusSettled, tx.Status())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM transactions WHERE id = $1`)).
			WithArgs(int64(9)).
			WillReturnRows(sqlmock.NewRows(transactionRowColumns))

		tx, err := store.GetTransaction(ctx, 9)
		assert.Nil(t, tx)
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLedgerStore_GetTransactionByGatewayRef(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := repository.NewPostgresLedgerStore(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM transactions WHERE gateway = $1 AND gateway_ref = $2`)).
		WithArgs(models.GatewayOrder, "order_abc").
		WillReturnRows(sqlmock.NewRows(transactionRowColumns).
			AddRow(int64(7), int64(1), "Basic", int64(100), int64(10), "INR", "order", "order_abc", "", false, time.Now(), nil))

	tx, err := store.GetTransactionByGatewayRef(ctx, models.GatewayOrder, "order_abc")
	require.NoError(t, err)
	assert.Equal(t, int64(7), tx.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerStore_SetGatewayRef(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := repository.NewPostgresLedgerStore(db)
	ctx := context.Background()
	update := regexp.QuoteMeta(`UPDATE transactions SET gateway_ref = $2, checkout_url = NULLIF($3, '') WHERE id = $1 AND gateway_ref IS NULL`)
	exists := regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`)

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(update).
			WithArgs(int64(7), "cs_123", "https://checkout.example/cs_123").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.SetGatewayRef(ctx, 7, "cs_123", "https://checkout.example/cs_123"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("AlreadySet", func(t *testing.T) {
		mock.ExpectExec(update).
			WithArgs(int64(7), "cs_456", "").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := store.SetGatewayRef(ctx, 7, "cs_456", "")
		assert.ErrorIs(t, err, pkgerrors.ErrGatewayRefAlreadySet)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectExec(update).
			WithArgs(int64(9), "cs_789", "").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).
			WithArgs(int64(9)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := store.SetGatewayRef(ctx, 9, "cs_789", "")
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("EmptyRef", func(t *testing.T) {
		assert.ErrorIs(t, store.SetGatewayRef(ctx, 7, "", ""), pkgerrors.ErrInvalidReference)
	})
}

func TestPostgresLedgerStore_SettleAndCredit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := repository.NewPostgresLedgerStore(db)
	ctx := context.Background()

	markSettled := regexp.QuoteMeta(`UPDATE transactions SET settled = TRUE, settled_at = NOW() WHERE id = $1 AND settled = FALSE RETURNING account_id, credits, settled_at`)
	readTx := regexp.QuoteMeta(`SELECT account_id, credits FROM transactions WHERE id = $1`)
	credit := regexp.QuoteMeta(`UPDATE accounts SET credit_balance = credit_balance + $1, updated_at = NOW() WHERE id = $2 RETURNING credit_balance`)

	t.Run("FirstSettlementCredits", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(markSettled).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "credits", "settled_at"}).AddRow(int64(1), int64(100), time.Now()))
		mock.ExpectQuery(credit).
			WithArgs(int64(100), int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"credit_balance"}).AddRow(int64(100)))
		mock.ExpectCommit()

		st, err := store.SettleAndCredit(ctx, 7)
		require.NoError(t, err)
		assert.False(t, st.AlreadySettled)
		assert.Equal(t, int64(1), st.AccountID)
		assert.Equal(t, int64(100), st.Credits)
		assert.Equal(t, int64(100), st.Balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("AlreadySettledIsNoop", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(markSettled).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "credits", "settled_at"}))
		mock.ExpectQuery(readTx).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "credits"}).AddRow(int64(1), int64(100)))
		mock.ExpectRollback()

		st, err := store.SettleAndCredit(ctx, 7)
		require.NoError(t, err)
		assert.True(t, st.AlreadySettled)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(markSettled).
			WithArgs(int64(404)).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "credits", "settled_at"}))
		mock.ExpectQuery(readTx).
			WithArgs(int64(404)).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "credits"}))
		mock.ExpectRollback()

		st, err := store.SettleAndCredit(ctx, 404)
		assert.Nil(t, st)
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CreditFailureRollsBackFlag", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(markSettled).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "credits", "settled_at"}).AddRow(int64(1), int64(100), time.Now()))
		mock.ExpectQuery(credit).
			WithArgs(int64(100), int64(1)).
			WillReturnError(fmt.Errorf("deadlock detected"))
		mock.ExpectRollback()

		st, err := store.SettleAndCredit(ctx, 7)
		assert.Nil(t, st)
		assert.ErrorIs(t, err, pkgerrors.ErrStorageUnavailable)
		assert.True(t, pkgerrors.IsRetryable(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("BeginError", func(t *testing.T) {
		mock.ExpectBegin().WillReturnError(fmt.Errorf("too many connections"))

		_, err := store.SettleAndCredit(ctx, 7)
		assert.ErrorIs(t, err, pkgerrors.ErrStorageUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CommitError", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(markSettled).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "credits", "settled_at"}).AddRow(int64(1), int64(100), time.Now()))
		mock.ExpectQuery(credit).
			WithArgs(int64(100), int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"credit_balance"}).AddRow(int64(100)))
		mock.ExpectCommit().WillReturnError(fmt.Errorf("commit error"))

		st, err := store.SettleAndCredit(ctx, 7)
		assert.Nil(t, st)
		assert.ErrorIs(t, err, pkgerrors.ErrStorageUnavailable)
		assert.Contains(t, err.Error(), "commit error")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS accounts`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repository.Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
