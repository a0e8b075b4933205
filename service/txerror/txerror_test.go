package txerror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   Kind
		wantStatus int
	}{
		{"rate limited", errors.New("HTTP 429 Too Many Requests"), KindRateLimited, http.StatusServiceUnavailable},
		{"blockhash", errors.New("Transaction simulation failed: Blockhash not found"), KindBlockhashExpired, http.StatusServiceUnavailable},
		{"fee funds", errors.New("Transaction simulation failed: Attempt to debit an account but found no record of a prior credit."), KindInsufficientFeeFunds, http.StatusBadRequest},
		{"token funds", errors.New("Error processing Instruction 0: insufficient funds"), KindInsufficientFunds, http.StatusBadRequest},
		{"duplicate refund", errors.New("Allocate: account Address { address: 9x.., base: None } already in use"), KindDuplicateRefund, http.StatusConflict},
		{"refund exceeds", errors.New("AnchorError occurred. Error Code: RefundExceedsPayment"), KindRefundExceedsPayment, http.StatusBadRequest},
		{"unauthorized", errors.New("AnchorError caused by account: merchant. Error Code: ConstraintHasOne"), KindUnauthorized, http.StatusForbidden},
		{"account missing", errors.New("AnchorError: AccountNotInitialized"), KindAccountNotFound, http.StatusNotFound},
		{"network", fmt.Errorf("send: %w", errors.New("dial tcp: connection refused")), KindNetwork, http.StatusServiceUnavailable},
		{"unknown", errors.New("something odd happened"), KindUnknown, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.wantKind, c.Kind)
			assert.Equal(t, tt.wantStatus, c.Status)
			assert.NotEmpty(t, c.Message)
			assert.Equal(t, tt.err.Error(), c.Detail)
		})
	}
}

func TestClassify_ReadsProgramLogs(t *testing.T) {
	err := &jsonrpc.RPCError{
		Code:    -32002,
		Message: "Transaction simulation failed: Error processing Instruction 1",
		Data: map[string]interface{}{
			"logs": []interface{}{
				"Program log: AnchorError occurred. Error Code: RefundExceedsPayment.",
			},
		},
	}

	c := Classify(fmt.Errorf("send transaction: %w", err))
	assert.Equal(t, KindRefundExceedsPayment, c.Kind)
}

func TestClassify_Nil(t *testing.T) {
	assert.Equal(t, Classified{}, Classify(nil))
}

func TestClassified_IsTransient(t *testing.T) {
	assert.True(t, Classify(errors.New("429")).IsTransient())
	assert.False(t, Classify(errors.New("insufficient funds")).IsTransient())
}
