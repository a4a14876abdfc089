package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrAccountNotFound))
	assert.True(t, IsNotFound(ErrTransactionNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("get transaction 7: %w", ErrTransactionNotFound)))
	assert.False(t, IsNotFound(ErrPlanNotFound))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"gateway unavailable", fmt.Errorf("%w: timeout", ErrGatewayUnavailable), true},
		{"gateway not configured", ErrGatewayNotConfigured, true},
		{"storage unavailable", fmt.Errorf("%w: connection reset", ErrStorageUnavailable), true},
		{"initiation in progress", ErrInitiationInProgress, true},
		{"payment not confirmed", ErrPaymentNotConfirmed, false},
		{"plan not found", ErrPlanNotFound, false},
		{"invalid reference", ErrInvalidReference, false},
		{"not found", ErrTransactionNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
