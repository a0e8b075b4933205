package solana

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotAPayment is returned by ParsePayment for failed transactions and
	// transactions that move nothing into the watched token account.
	ErrNotAPayment = errors.New("transaction is not a payment")

	// ErrAccountNotFound is returned when an account does not exist on chain.
	ErrAccountNotFound = errors.New("account not found")
)

// Payment is an incoming transfer reconstructed from a confirmed transaction.
// It is best effort and not authoritative.
type Payment struct {
	Signature string          `json:"signature"`
	Amount    decimal.Decimal `json:"amount"`     // UI amount, e.g. 1.25 USDC
	RawAmount uint64          `json:"raw_amount"` // base units
	Mint      string          `json:"mint"`
	Memo      *string         `json:"memo"`
	Timestamp time.Time       `json:"timestamp"`
	Sender    string          `json:"sender"`
	Slot      uint64          `json:"slot"`
}
