package solana

import (
	"errors"
	"testing"

	"github.com/brojonat/solpos/service/config"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		amount  string
		want    uint64
		wantErr bool
	}{
		{"1", 1_000_000, false},
		{"12.5", 12_500_000, false},
		{"0.000001", 1, false},
		{"0.0000001", 0, true},
		{"0", 0, true},
		{"-3", 0, true},
		{"18446744073709.551616", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ToBaseUnits(decimal.RequireFromString(tt.amount), 6)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidAmount), "expected ErrInvalidAmount, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromBaseUnits(t *testing.T) {
	assert.Equal(t, "1.25", FromBaseUnits(1_250_000, 6).String())
	assert.Equal(t, "0", FromBaseUnits(0, 6).String())
	assert.Equal(t, "18446744073709.551615", FromBaseUnits(^uint64(0), 6).String())
}

func TestParseAmount(t *testing.T) {
	d, err := ParseAmount(" 3.50 ")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("3.5")))

	_, err = ParseAmount("three")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTokenRegistry_FromConfig(t *testing.T) {
	usdcMain := solana.NewWallet().PublicKey()
	usdcDev := solana.NewWallet().PublicKey()
	cfg := &config.Config{
		USDCMainnetMintAddress: usdcMain.String(),
		USDCDevnetMintAddress:  usdcDev.String(),
	}

	reg, err := NewTokenRegistryFromConfig(cfg)
	require.NoError(t, err)

	tok, err := reg.Lookup(config.NetworkMainnet, "")
	require.NoError(t, err)
	assert.Equal(t, "USDC", tok.Symbol)
	assert.Equal(t, usdcMain, tok.Mint)
	assert.Equal(t, uint8(6), tok.Decimals)

	tok, err = reg.Lookup(config.NetworkDevnet, "usdc")
	require.NoError(t, err)
	assert.Equal(t, usdcDev, tok.Mint)

	tok, err = reg.Lookup(config.NetworkDevnet, usdcDev.String())
	require.NoError(t, err)
	assert.Equal(t, "USDC", tok.Symbol)

	_, err = reg.Lookup(config.NetworkMainnet, "USDT")
	assert.ErrorIs(t, err, ErrUnsupportedToken)

	_, err = reg.Lookup("testnet", "USDC")
	assert.ErrorIs(t, err, ErrUnsupportedToken)
}

func TestTokenRegistry_InvalidMint(t *testing.T) {
	_, err := NewTokenRegistryFromConfig(&config.Config{USDCMainnetMintAddress: "not-a-key"})
	assert.Error(t, err)
}
