package program

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	solanasvc "github.com/brojonat/solpos/service/solana"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Merchant is the decoded on-chain merchant account.
type Merchant struct {
	Address        solana.PublicKey `json:"address"`
	Owner          solana.PublicKey `json:"owner"`
	Name           string           `json:"name"`
	TotalWithdrawn uint64           `json:"total_withdrawn"`
	TotalRefunded  uint64           `json:"total_refunded"`
	FeeEligible    bool             `json:"fee_eligible"`
	Bump           uint8            `json:"bump"`
}

// merchantAccount is the Borsh layout following the 8-byte discriminator.
type merchantAccount struct {
	Owner          solana.PublicKey
	Name           string
	TotalWithdrawn uint64
	TotalRefunded  uint64
	FeeEligible    bool
	Bump           uint8
}

var merchantDiscriminator = accountDiscriminator("Merchant")

// DecodeMerchant decodes raw merchant account data.
func DecodeMerchant(data []byte) (*Merchant, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotMerchantAccount, len(data))
	}
	if !bytes.Equal(data[:8], merchantDiscriminator[:]) {
		return nil, fmt.Errorf("%w: discriminator mismatch", ErrNotMerchantAccount)
	}

	var acc merchantAccount
	if err := bin.NewBorshDecoder(data[8:]).Decode(&acc); err != nil {
		return nil, fmt.Errorf("decode merchant account: %w", err)
	}
	return &Merchant{
		Owner:          acc.Owner,
		Name:           acc.Name,
		TotalWithdrawn: acc.TotalWithdrawn,
		TotalRefunded:  acc.TotalRefunded,
		FeeEligible:    acc.FeeEligible,
		Bump:           acc.Bump,
	}, nil
}

// EncodeMerchant is the inverse of DecodeMerchant.
func EncodeMerchant(m *Merchant) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(merchantDiscriminator[:])
	err := bin.NewBorshEncoder(buf).Encode(merchantAccount{
		Owner:          m.Owner,
		Name:           m.Name,
		TotalWithdrawn: m.TotalWithdrawn,
		TotalRefunded:  m.TotalRefunded,
		FeeEligible:    m.FeeEligible,
		Bump:           m.Bump,
	})
	if err != nil {
		return nil, fmt.Errorf("encode merchant account: %w", err)
	}
	return buf.Bytes(), nil
}

// AccountReader reads a single account. *solana.Client implements it.
type AccountReader interface {
	Account(ctx context.Context, address solana.PublicKey) (*rpc.Account, error)
}

// FetchMerchant reads and decodes the merchant at address, verifying that the
// account belongs to this program.
func (p *Program) FetchMerchant(ctx context.Context, accounts AccountReader, address solana.PublicKey) (*Merchant, error) {
	acc, err := accounts.Account(ctx, address)
	if errors.Is(err, solanasvc.ErrAccountNotFound) {
		return nil, fmt.Errorf("%s: %w", address, ErrMerchantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch merchant %s: %w", address, err)
	}
	if !acc.Owner.Equals(p.ID) {
		return nil, fmt.Errorf("%w: %s is owned by %s", ErrNotMerchantAccount, address, acc.Owner)
	}
	if acc.Data == nil {
		return nil, fmt.Errorf("%w: %s has no data", ErrNotMerchantAccount, address)
	}

	m, err := DecodeMerchant(acc.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("merchant %s: %w", address, err)
	}
	m.Address = address
	return m, nil
}
