package solana

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/brojonat/solpos/service/config"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedToken = errors.New("unsupported token")
	ErrInvalidAmount    = errors.New("invalid amount")
)

// DefaultTokenSymbol is used when a request does not name a token.
const DefaultTokenSymbol = "USDC"

// Token is a settlement token supported on a network.
type Token struct {
	Symbol   string           `json:"symbol"`
	Mint     solana.PublicKey `json:"mint"`
	Decimals uint8            `json:"decimals"`
}

// TokenRegistry maps network and symbol to a Token.
type TokenRegistry struct {
	mu     sync.RWMutex
	tokens map[string]map[string]Token
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{tokens: make(map[string]map[string]Token)}
}

// NewTokenRegistryFromConfig registers USDC on both networks and USDT on
// mainnet when its mint is configured.
func NewTokenRegistryFromConfig(cfg *config.Config) (*TokenRegistry, error) {
	r := NewTokenRegistry()

	entries := []struct {
		network, symbol, mint string
	}{
		{config.NetworkMainnet, "USDC", cfg.USDCMainnetMintAddress},
		{config.NetworkDevnet, "USDC", cfg.USDCDevnetMintAddress},
		{config.NetworkMainnet, "USDT", cfg.USDTMainnetMintAddress},
	}
	for _, e := range entries {
		if e.mint == "" {
			continue
		}
		mint, err := solana.PublicKeyFromBase58(e.mint)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %s mint %q: %w", e.network, e.symbol, e.mint, err)
		}
		r.Register(e.network, Token{Symbol: e.symbol, Mint: mint, Decimals: 6})
	}
	return r, nil
}

func (r *TokenRegistry) Register(network string, t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokens[network] == nil {
		r.tokens[network] = make(map[string]Token)
	}
	t.Symbol = strings.ToUpper(t.Symbol)
	r.tokens[network][t.Symbol] = t
}

// Lookup resolves a symbol (case-insensitive) or a mint address on network.
// An empty symbol selects DefaultTokenSymbol.
func (r *TokenRegistry) Lookup(network, symbolOrMint string) (Token, error) {
	if symbolOrMint == "" {
		symbolOrMint = DefaultTokenSymbol
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	byNetwork, ok := r.tokens[network]
	if !ok {
		return Token{}, fmt.Errorf("%w: no tokens on network %q", ErrUnsupportedToken, network)
	}
	if t, ok := byNetwork[strings.ToUpper(symbolOrMint)]; ok {
		return t, nil
	}
	for _, t := range byNetwork {
		if t.Mint.String() == symbolOrMint {
			return t, nil
		}
	}
	return Token{}, fmt.Errorf("%w: %q on %s", ErrUnsupportedToken, symbolOrMint, network)
}

// ParseAmount parses a decimal UI amount such as "12.50".
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// ToBaseUnits converts a UI amount to base units. Non-positive amounts,
// amounts with more fractional digits than decimals and amounts that
// overflow a u64 are rejected.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	shifted := amount.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, decimals)
	}
	bi := shifted.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("%w: %s is too large", ErrInvalidAmount, amount)
	}
	return bi.Uint64(), nil
}

// FromBaseUnits converts base units to a UI amount.
func FromBaseUnits(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}
