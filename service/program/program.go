// Package program is the client side of the on-chain merchant program:
// account derivation, instruction encoding and merchant account decoding.
// The program itself is consumed as a black box through this interface.
package program

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrInvalidMerchantName = errors.New("merchant name must be 1-32 bytes")
	ErrMerchantNotFound    = errors.New("merchant not found")
	ErrNotMerchantAccount  = errors.New("account is not a merchant account")
)

const (
	merchantSeed = "merchant"
	refundSeed   = "refund"

	// MaxNameLength is the largest name usable as a PDA seed.
	MaxNameLength = 32
)

// Program identifies a deployment of the merchant program.
type Program struct {
	ID solana.PublicKey
}

func New(programID solana.PublicKey) *Program {
	return &Program{ID: programID}
}

// Parse builds a Program from a base58 program id.
func Parse(programID string) (*Program, error) {
	id, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("invalid program id %q: %w", programID, err)
	}
	return New(id), nil
}

func validateName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLength {
		return ErrInvalidMerchantName
	}
	return nil
}

// MerchantAddress derives the merchant PDA from seeds ["merchant", owner, name].
func (p *Program) MerchantAddress(owner solana.PublicKey, name string) (solana.PublicKey, uint8, error) {
	if err := validateName(name); err != nil {
		return solana.PublicKey{}, 0, err
	}
	return solana.FindProgramAddress(
		[][]byte{[]byte(merchantSeed), owner.Bytes(), []byte(name)},
		p.ID,
	)
}

// RefundRecordAddress derives the refund record PDA from seeds
// ["refund", merchant, first 32 bytes of the original signature]. Its
// existence marks the original payment as refunded.
func (p *Program) RefundRecordAddress(merchant solana.PublicKey, original solana.Signature) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{[]byte(refundSeed), merchant.Bytes(), original[:32]},
		p.ID,
	)
}

// MerchantTokenAccount is the associated token account owned by the merchant PDA.
func MerchantTokenAccount(merchant, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(merchant, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive merchant token account: %w", err)
	}
	return ata, nil
}

// instructionDiscriminator is the Anchor sighash sha256("global:<name>")[:8].
func instructionDiscriminator(name string) [8]byte {
	return discriminator("global:" + name)
}

// accountDiscriminator is the Anchor account tag sha256("account:<name>")[:8].
func accountDiscriminator(name string) [8]byte {
	return discriminator("account:" + name)
}

func discriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}
