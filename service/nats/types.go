package nats

import (
	"time"

	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/shopspring/decimal"
)

// SubjectPrefix prefixes the per-merchant payment subjects.
const SubjectPrefix = "payments."

// Subject is the subject payments to merchant are published on.
func Subject(merchant string) string {
	return SubjectPrefix + merchant
}

// PaymentEvent represents a payment event published to NATS.
// This is published to the subject "payments.{merchant}" in JetStream.
type PaymentEvent struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`

	Merchant string `json:"merchant"`
	Network  string `json:"network"`
	Sender   string `json:"sender,omitempty"`

	Amount    decimal.Decimal `json:"amount"`
	RawAmount uint64          `json:"raw_amount"`
	Mint      string          `json:"mint"`
	Memo      *string         `json:"memo,omitempty"`

	Timestamp   time.Time `json:"timestamp"`
	PublishedAt time.Time `json:"published_at"`
}

// FromPayment converts a reconstructed payment to an event for publishing.
func FromPayment(merchant, network string, p solanasvc.Payment) *PaymentEvent {
	return &PaymentEvent{
		Signature:   p.Signature,
		Slot:        p.Slot,
		Merchant:    merchant,
		Network:     network,
		Sender:      p.Sender,
		Amount:      p.Amount,
		RawAmount:   p.RawAmount,
		Mint:        p.Mint,
		Memo:        p.Memo,
		Timestamp:   p.Timestamp,
		PublishedAt: time.Now().UTC(),
	}
}
