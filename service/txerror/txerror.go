// Package txerror translates RPC and program failures into a small set of
// user-facing error kinds.
package txerror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindInsufficientFunds    Kind = "insufficient_funds"
	KindInsufficientFeeFunds Kind = "insufficient_fee_funds"
	KindUnauthorized         Kind = "unauthorized"
	KindDuplicateRefund      Kind = "duplicate_refund"
	KindRefundExceedsPayment Kind = "refund_exceeds_payment"
	KindBlockhashExpired     Kind = "blockhash_expired"
	KindRateLimited          Kind = "rate_limited"
	KindAccountNotFound      Kind = "account_not_found"
	KindNetwork              Kind = "network"
	KindUnknown              Kind = "unknown"
)

// Classified is the translated form of an error.
type Classified struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Status  int    `json:"-"`
}

func (c Classified) Error() string {
	if c.Detail == "" {
		return c.Message
	}
	return c.Message + ": " + c.Detail
}

type rule struct {
	kind      Kind
	message   string
	status    int
	fragments []string
}

// Rules are evaluated in order; the fee rule must precede the generic funds rule.
var rules = []rule{
	{
		kind:    KindRateLimited,
		message: "The network is busy, please try again in a moment",
		status:  http.StatusServiceUnavailable,
		fragments: []string{
			"429", "too many requests", "rate limit",
		},
	},
	{
		kind:    KindBlockhashExpired,
		message: "The transaction expired before it was confirmed, please try again",
		status:  http.StatusServiceUnavailable,
		fragments: []string{
			"blockhash not found", "blockhashnotfound", "block height exceeded", "transaction expired",
		},
	},
	{
		kind:    KindInsufficientFeeFunds,
		message: "Not enough SOL to pay network fees",
		status:  http.StatusBadRequest,
		fragments: []string{
			"insufficient funds for fee", "insufficient lamports",
			"attempt to debit an account but found no record of a prior credit",
			"insufficientfundsforfee",
		},
	},
	{
		kind:    KindInsufficientFunds,
		message: "Insufficient token balance for this payment",
		status:  http.StatusBadRequest,
		fragments: []string{
			"insufficient funds", "insufficientfunds", "insufficient balance",
		},
	},
	{
		kind:    KindDuplicateRefund,
		message: "This payment has already been refunded",
		status:  http.StatusConflict,
		fragments: []string{
			"already in use", "refundalreadyprocessed", "duplicate refund", "already refunded",
		},
	},
	{
		kind:    KindRefundExceedsPayment,
		message: "Refund amount exceeds the original payment",
		status:  http.StatusBadRequest,
		fragments: []string{
			"refundexceedspayment", "refund amount exceeds", "exceeds original payment",
		},
	},
	{
		kind:    KindUnauthorized,
		message: "This wallet is not authorized for the requested action",
		status:  http.StatusForbidden,
		fragments: []string{
			"unauthorized", "missing required signature", "signature verification failed",
			"constrainthasone", "has_one", "custom program error: 0x7d1",
		},
	},
	{
		kind:    KindAccountNotFound,
		message: "A required account does not exist",
		status:  http.StatusNotFound,
		fragments: []string{
			"accountnotinitialized", "account not found", "could not find account",
			"invalid account data", "custom program error: 0xbc4",
		},
	},
	{
		kind:    KindNetwork,
		message: "Could not reach the Solana network, please try again",
		status:  http.StatusServiceUnavailable,
		fragments: []string{
			"timeout", "timed out", "deadline exceeded", "connection refused",
			"connection reset", "no such host", "unexpected eof", "502", "503", "504",
		},
	},
}

// Classify matches err (including any program logs attached to a JSON-RPC
// error) against the known failure fragments. A nil error yields the zero value.
func Classify(err error) Classified {
	if err == nil {
		return Classified{}
	}

	detail := err.Error()
	haystack := strings.ToLower(detail)

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Data != nil {
		haystack += " " + strings.ToLower(fmt.Sprint(rpcErr.Data))
	}

	for _, r := range rules {
		for _, f := range r.fragments {
			if strings.Contains(haystack, f) {
				return Classified{Kind: r.kind, Message: r.message, Detail: detail, Status: r.status}
			}
		}
	}

	return Classified{
		Kind:    KindUnknown,
		Message: "Transaction failed",
		Detail:  detail,
		Status:  http.StatusInternalServerError,
	}
}

// IsTransient reports whether the classified failure is worth retrying.
func (c Classified) IsTransient() bool {
	switch c.Kind {
	case KindRateLimited, KindBlockhashExpired, KindNetwork:
		return true
	}
	return false
}
