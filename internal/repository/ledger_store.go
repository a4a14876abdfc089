package repository

import (
	"context"

	"github.com/honeynil/creditledger/internal/models"
)

// LedgerStore persists accounts and purchase transactions. SettleAndCredit is
// the only path that increases an account's credit balance.
type LedgerStore interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id int64) (*models.Account, error)

	// CreateTransaction fills in tx.ID and tx.CreatedAt. It fails with
	// ErrAccountNotFound when tx.AccountID does not exist.
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	GetTransactionByGatewayRef(ctx context.Context, gateway models.GatewayKind, ref string) (*models.Transaction, error)

	// SetGatewayRef writes the gateway reference only if none is stored yet and
	// returns ErrGatewayRefAlreadySet otherwise.
	SetGatewayRef(ctx context.Context, id int64, ref, checkoutURL string) error

	// SettleAndCredit flips settled to true and adds the transaction's credits
	// to the account as one step. Concurrent callers for the same id are
	// serialized: exactly one sees AlreadySettled == false.
	SettleAndCredit(ctx context.Context, id int64) (*models.Settlement, error)
}
