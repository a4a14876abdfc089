package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id             BIGSERIAL PRIMARY KEY,
    credit_balance BIGINT NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transactions (
    id           BIGSERIAL PRIMARY KEY,
    account_id   BIGINT NOT NULL REFERENCES accounts (id),
    plan         TEXT NOT NULL,
    credits      BIGINT NOT NULL CHECK (credits > 0),
    amount       BIGINT NOT NULL CHECK (amount > 0),
    currency     TEXT NOT NULL DEFAULT '',
    gateway      TEXT NOT NULL,
    gateway_ref  TEXT,
    checkout_url TEXT,
    settled      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    settled_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_transactions_account_id ON transactions (account_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_gateway_ref ON transactions (gateway, gateway_ref) WHERE gateway_ref IS NOT NULL;
`

// Migrate creates the ledger tables if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		slog.Error("failed to apply ledger schema", "method", "Migrate", "error", err)
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	slog.Info("ledger schema applied", "method", "Migrate")
	return nil
}
