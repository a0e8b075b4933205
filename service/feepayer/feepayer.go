// Package feepayer decides whether the server-held key sponsors a
// transaction's network fees or the requesting user pays them.
package feepayer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brojonat/solpos/service/metrics"
	"github.com/gagliardetto/solana-go"
)

// DefaultMinBalance is the sponsorship threshold in lamports (0.005 SOL).
const DefaultMinBalance uint64 = 5_000_000

var ErrInvalidKey = errors.New("invalid fee payer key")

// Reason explains a Decision.
type Reason string

const (
	ReasonMerchantIneligible Reason = "merchant_not_fee_eligible"
	ReasonNoServerKey        Reason = "no_server_key"
	ReasonBalanceUnavailable Reason = "server_balance_unavailable"
	ReasonLowBalance         Reason = "server_balance_low"
	ReasonSponsored          Reason = "sponsored"
)

// Decision is the selected fee payer.
type Decision struct {
	Payer     solana.PublicKey
	Sponsored bool
	Reason    Reason
	Balance   uint64 // server balance, when it was read
}

// BalanceReader reads lamport balances. *solana.Client implements it.
type BalanceReader interface {
	Balance(ctx context.Context, address solana.PublicKey) (uint64, error)
}

// Sponsor holds the optional server key for one network.
type Sponsor struct {
	key        *solana.PrivateKey
	minBalance uint64
	balances   BalanceReader
	network    string
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewSponsor creates a Sponsor. key may be nil, in which case users always pay.
func NewSponsor(key *solana.PrivateKey, minBalance uint64, balances BalanceReader, network string, m *metrics.Metrics, logger *slog.Logger) *Sponsor {
	return &Sponsor{
		key:        key,
		minBalance: minBalance,
		balances:   balances,
		network:    network,
		metrics:    m,
		logger:     logger,
	}
}

// Key returns the server key, or nil when none is configured.
func (s *Sponsor) Key() *solana.PrivateKey {
	return s.key
}

// Select picks the fee payer. The checks run in a fixed order: merchant
// eligibility, key presence, then balance (at or above the threshold sponsors).
func (s *Sponsor) Select(ctx context.Context, feeEligible bool, user solana.PublicKey) Decision {
	if !feeEligible {
		return Decision{Payer: user, Reason: ReasonMerchantIneligible}
	}
	if s.key == nil {
		return Decision{Payer: user, Reason: ReasonNoServerKey}
	}

	server := s.key.PublicKey()
	balance, err := s.balances.Balance(ctx, server)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read fee payer balance, user pays",
			"fee_payer", server.String(),
			"network", s.network,
			"error", err,
		)
		return Decision{Payer: user, Reason: ReasonBalanceUnavailable}
	}
	if s.metrics != nil {
		s.metrics.SetFeePayerBalance(s.network, balance)
	}
	if balance < s.minBalance {
		s.logger.WarnContext(ctx, "fee payer balance below threshold, user pays",
			"fee_payer", server.String(),
			"network", s.network,
			"balance", balance,
			"min_balance", s.minBalance,
		)
		return Decision{Payer: user, Reason: ReasonLowBalance, Balance: balance}
	}
	return Decision{Payer: server, Sponsored: true, Reason: ReasonSponsored, Balance: balance}
}

// Status describes the sponsor for the admin endpoint.
type Status struct {
	Network    string `json:"network"`
	Configured bool   `json:"configured"`
	PublicKey  string `json:"public_key,omitempty"`
	Balance    uint64 `json:"balance_lamports"`
	MinBalance uint64 `json:"min_balance_lamports"`
	CanSponsor bool   `json:"can_sponsor"`
	Error      string `json:"error,omitempty"`
}

func (s *Sponsor) Status(ctx context.Context) Status {
	st := Status{Network: s.network, MinBalance: s.minBalance}
	if s.key == nil {
		return st
	}
	st.Configured = true
	st.PublicKey = s.key.PublicKey().String()

	balance, err := s.balances.Balance(ctx, s.key.PublicKey())
	if err != nil {
		st.Error = err.Error()
		return st
	}
	if s.metrics != nil {
		s.metrics.SetFeePayerBalance(s.network, balance)
	}
	st.Balance = balance
	st.CanSponsor = balance >= s.minBalance
	return st
}

// ParsePrivateKey accepts a 64-byte ed25519 key encoded as base58, a JSON
// byte array (solana-keygen format) or base64.
func ParsePrivateKey(secret string) (solana.PrivateKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	var raw []byte
	switch {
	case strings.HasPrefix(secret, "["):
		var ints []int
		if err := json.Unmarshal([]byte(secret), &ints); err != nil {
			return nil, fmt.Errorf("%w: json array: %v", ErrInvalidKey, err)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: byte %d out of range", ErrInvalidKey, i)
			}
			raw[i] = byte(v)
		}
	default:
		if key, err := solana.PrivateKeyFromBase58(secret); err == nil && len(key) == ed25519.PrivateKeySize {
			raw = key
		} else if b, err := base64.StdEncoding.DecodeString(secret); err == nil {
			raw = b
		} else {
			return nil, fmt.Errorf("%w: not base58, base64 or a JSON byte array", ErrInvalidKey)
		}
	}

	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, ed25519.PrivateKeySize, len(raw))
	}
	derived := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	if !bytes.Equal(derived, raw) {
		return nil, fmt.Errorf("%w: public half does not match seed", ErrInvalidKey)
	}
	return solana.PrivateKey(raw), nil
}
