package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAccountNotFound     = fmt.Errorf("account %w", ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)
	ErrPlanNotFound        = errors.New("plan not found")
	ErrInvalidReference    = errors.New("invalid gateway reference")
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrStorageUnavailable  = errors.New("ledger storage unavailable")

	ErrGatewayRefAlreadySet = errors.New("gateway reference already set")
	ErrInitiationInProgress = errors.New("payment initiation already in progress")
	ErrGatewayNotConfigured = fmt.Errorf("%w: gateway not configured", ErrGatewayUnavailable)
	ErrNilTransaction       = errors.New("transaction is nil")
	ErrInvalidAmount        = errors.New("credits and amount must be positive")
	ErrUnauthenticated      = errors.New("account not authenticated")
)

// IsNotFound reports whether err refers to an unknown account or transaction.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether the caller may safely repeat the operation
// that produced err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrInitiationInProgress)
}
