// Package memory is an in-process LedgerStore for local runs and tests.
//
// The store-wide lock only guards the maps. Each account and transaction
// carries its own mutex, so settlements of different transactions proceed in
// parallel and settlements of the same transaction are serialized.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/honeynil/creditledger/internal/models"
	pkgerrors "github.com/honeynil/creditledger/pkg/errors"
)

type accountRecord struct {
	mu      sync.Mutex
	account models.Account
}

type transactionRecord struct {
	mu sync.Mutex
	tx models.Transaction
}

type Store struct {
	mu           sync.RWMutex
	accounts     map[int64]*accountRecord
	transactions map[int64]*transactionRecord
	byGatewayRef map[string]int64
	lastAccount  int64
	lastTx       int64
	now          func() time.Time
}

func New() *Store {
	return &Store{
		accounts:     make(map[int64]*accountRecord),
		transactions: make(map[int64]*transactionRecord),
		byGatewayRef: make(map[string]int64),
		now:          time.Now,
	}
}

func refKey(gateway models.GatewayKind, ref string) string {
	return string(gateway) + ":" + ref
}

func (s *Store) CreateAccount(_ context.Context, account *models.Account) error {
	if account == nil {
		return fmt.Errorf("account is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastAccount++
	now := s.now().UTC()
	account.ID = s.lastAccount
	account.CreatedAt = now
	account.UpdatedAt = now
	s.accounts[account.ID] = &accountRecord{account: *account}
	return nil
}

func (s *Store) account(id int64) (*accountRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.accounts[id]
	return rec, ok
}

func (s *Store) transaction(id int64) (*transactionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.transactions[id]
	return rec, ok
}

func (s *Store) GetAccount(_ context.Context, id int64) (*models.Account, error) {
	rec, ok := s.account(id)
	if !ok {
		return nil, pkgerrors.ErrAccountNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	account := rec.account
	return &account, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	if tx == nil {
		return pkgerrors.ErrNilTransaction
	}
	if tx.Credits <= 0 || tx.Amount <= 0 {
		return pkgerrors.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[tx.AccountID]; !ok {
		return pkgerrors.ErrAccountNotFound
	}
	if tx.GatewayRef != "" {
		if _, taken := s.byGatewayRef[refKey(tx.Gateway, tx.GatewayRef)]; taken {
			return pkgerrors.ErrGatewayRefAlreadySet
		}
	}

	s.lastTx++
	tx.ID = s.lastTx
	tx.CreatedAt = s.now().UTC()
	tx.Settled = false
	tx.SettledAt = nil
	s.transactions[tx.ID] = &transactionRecord{tx: *tx}
	if tx.GatewayRef != "" {
		s.byGatewayRef[refKey(tx.Gateway, tx.GatewayRef)] = tx.ID
	}

	slog.Info("transaction created", "method", "CreateTransaction", "transaction_id", tx.ID, "account_id", tx.AccountID, "plan", tx.Plan, "gateway", tx.Gateway)
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id int64) (*models.Transaction, error) {
	rec, ok := s.transaction(id)
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	tx := rec.tx
	return &tx, nil
}

func (s *Store) GetTransactionByGatewayRef(ctx context.Context, gateway models.GatewayKind, ref string) (*models.Transaction, error) {
	s.mu.RLock()
	id, ok := s.byGatewayRef[refKey(gateway, ref)]
	s.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	return s.GetTransaction(ctx, id)
}

func (s *Store) SetGatewayRef(_ context.Context, id int64, ref, checkoutURL string) error {
	if ref == "" {
		return pkgerrors.ErrInvalidReference
	}
	rec, ok := s.transaction(id)
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.tx.GatewayRef != "" {
		return pkgerrors.ErrGatewayRefAlreadySet
	}

	key := refKey(rec.tx.Gateway, ref)
	s.mu.Lock()
	if _, taken := s.byGatewayRef[key]; taken {
		s.mu.Unlock()
		return pkgerrors.ErrGatewayRefAlreadySet
	}
	s.byGatewayRef[key] = id
	s.mu.Unlock()

	rec.tx.GatewayRef = ref
	rec.tx.CheckoutURL = checkoutURL
	return nil
}

// SettleAndCredit holds the transaction's lock while crediting, so the
// settled flag only becomes visible after the balance has moved. Lock order
// is always transaction then account.
func (s *Store) SettleAndCredit(_ context.Context, id int64) (*models.Settlement, error) {
	rec, ok := s.transaction(id)
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	st := &models.Settlement{
		TransactionID: id,
		AccountID:     rec.tx.AccountID,
		Credits:       rec.tx.Credits,
	}
	if rec.tx.Settled {
		st.AlreadySettled = true
		return st, nil
	}

	acc, ok := s.account(rec.tx.AccountID)
	if !ok {
		return nil, pkgerrors.ErrAccountNotFound
	}

	now := s.now().UTC()
	acc.mu.Lock()
	acc.account.CreditBalance += rec.tx.Credits
	acc.account.UpdatedAt = now
	st.Balance = acc.account.CreditBalance
	acc.mu.Unlock()

	rec.tx.Settled = true
	rec.tx.SettledAt = &now
	st.SettledAt = now

	slog.Info("transaction settled", "method", "SettleAndCredit", "transaction_id", id, "account_id", st.AccountID, "credits", st.Credits, "balance", st.Balance)
	return st, nil
}
