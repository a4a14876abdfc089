package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/honeynil/creditledger/internal/models"
	pkgerrors "github.com/honeynil/creditledger/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransaction(t *testing.T, s *Store, credits int64) (*models.Account, *models.Transaction) {
	t.Helper()
	ctx := context.Background()

	acc := &models.Account{}
	require.NoError(t, s.CreateAccount(ctx, acc))

	tx := &models.Transaction{
		AccountID: acc.ID,
		Plan:      models.PlanBasic,
		Credits:   credits,
		Amount:    10,
		Gateway:   models.GatewayOrder,
	}
	require.NoError(t, s.CreateTransaction(ctx, tx))
	return acc, tx
}

func TestStore_CreateTransaction(t *testing.T) {
	s := New()
	ctx := context.Background()

	t.Run("UnknownAccount", func(t *testing.T) {
		err := s.CreateTransaction(ctx, &models.Transaction{AccountID: 42, Plan: models.PlanBasic, Credits: 100, Amount: 10})
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		acc := &models.Account{}
		require.NoError(t, s.CreateAccount(ctx, acc))
		err := s.CreateTransaction(ctx, &models.Transaction{AccountID: acc.ID, Plan: models.PlanBasic})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
	})

	t.Run("Success", func(t *testing.T) {
		_, tx := newTransaction(t, s, 100)
		assert.NotZero(t, tx.ID)
		assert.False(t, tx.CreatedAt.IsZero())

		got, err := s.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.False(t, got.Settled)
		assert.Equal(t, models.StatusCreated, got.Status())
	})
}

func TestStore_SetGatewayRef(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, tx := newTransaction(t, s, 100)

	require.NoError(t, s.SetGatewayRef(ctx, tx.ID, "order_1", ""))

	err := s.SetGatewayRef(ctx, tx.ID, "order_2", "")
	assert.ErrorIs(t, err, pkgerrors.ErrGatewayRefAlreadySet)

	got, err := s.GetTransactionByGatewayRef(ctx, models.GatewayOrder, "order_1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)

	_, err = s.GetTransactionByGatewayRef(ctx, models.GatewayOrder, "order_2")
	assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)

	assert.ErrorIs(t, s.SetGatewayRef(ctx, 999, "order_3", ""), pkgerrors.ErrTransactionNotFound)
	assert.ErrorIs(t, s.SetGatewayRef(ctx, tx.ID, "", ""), pkgerrors.ErrInvalidReference)
}

func TestStore_SettleAndCredit(t *testing.T) {
	s := New()
	ctx := context.Background()
	acc, tx := newTransaction(t, s, 100)

	st, err := s.SettleAndCredit(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, st.AlreadySettled)
	assert.Equal(t, int64(100), st.Balance)

	st, err = s.SettleAndCredit(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, st.AlreadySettled)

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.CreditBalance)

	settled, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, settled.Settled)
	assert.NotNil(t, settled.SettledAt)

	_, err = s.SettleAndCredit(ctx, 999)
	assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
}

func TestStore_SettleAndCredit_Concurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	acc, tx := newTransaction(t, s, 500)
	// A second transaction on the same account settles alongside the first.
	other := &models.Transaction{AccountID: acc.ID, Plan: models.PlanBasic, Credits: 100, Amount: 10, Gateway: models.GatewaySession}
	require.NoError(t, s.CreateTransaction(ctx, other))

	const callers = 64
	var winners, otherWinners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			st, err := s.SettleAndCredit(ctx, tx.ID)
			if assert.NoError(t, err) && !st.AlreadySettled {
				winners.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			st, err := s.SettleAndCredit(ctx, other.ID)
			if assert.NoError(t, err) && !st.AlreadySettled {
				otherWinners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(1), otherWinners.Load())

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), got.CreditBalance)
}
