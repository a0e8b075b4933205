package program

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

func encodeInstruction(name string, args interface{}) ([]byte, error) {
	disc := instructionDiscriminator(name)
	buf := new(bytes.Buffer)
	buf.Write(disc[:])
	if args != nil {
		if err := bin.NewBorshEncoder(buf).Encode(args); err != nil {
			return nil, fmt.Errorf("encode %s args: %w", name, err)
		}
	}
	return buf.Bytes(), nil
}

func writable(pk solana.PublicKey) *solana.AccountMeta {
	return &solana.AccountMeta{PublicKey: pk, IsWritable: true}
}

func readonly(pk solana.PublicKey) *solana.AccountMeta {
	return &solana.AccountMeta{PublicKey: pk}
}

func signer(pk solana.PublicKey) *solana.AccountMeta {
	return &solana.AccountMeta{PublicKey: pk, IsWritable: true, IsSigner: true}
}

type createMerchantArgs struct {
	Name string
}

// CreateMerchant initializes the merchant PDA for owner and name.
// Accounts: merchant (w), owner (w, s), system program.
func (p *Program) CreateMerchant(owner solana.PublicKey, name string) (solana.Instruction, solana.PublicKey, error) {
	merchant, _, err := p.MerchantAddress(owner, name)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	data, err := encodeInstruction("create_merchant", createMerchantArgs{Name: name})
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	return solana.NewInstruction(p.ID, solana.AccountMetaSlice{
		writable(merchant),
		signer(owner),
		readonly(solana.SystemProgramID),
	}, data), merchant, nil
}

// CloseMerchant closes the merchant account and returns its rent to owner.
// Accounts: merchant (w), owner (w, s).
func (p *Program) CloseMerchant(owner, merchant solana.PublicKey) (solana.Instruction, error) {
	data, err := encodeInstruction("close_merchant", nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, solana.AccountMetaSlice{
		writable(merchant),
		signer(owner),
	}, data), nil
}

// WithdrawParams are the accounts and amount of a withdraw.
type WithdrawParams struct {
	Owner                solana.PublicKey
	Merchant             solana.PublicKey
	Mint                 solana.PublicKey
	MerchantTokenAccount solana.PublicKey
	OwnerTokenAccount    solana.PublicKey
	Amount               uint64
}

type withdrawArgs struct {
	Amount uint64
}

// Withdraw moves Amount from the merchant token account to the owner's.
// Accounts: merchant (w), owner (w, s), mint, merchant token account (w),
// owner token account (w), token program.
func (p *Program) Withdraw(params WithdrawParams) (solana.Instruction, error) {
	data, err := encodeInstruction("withdraw", withdrawArgs{Amount: params.Amount})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, solana.AccountMetaSlice{
		writable(params.Merchant),
		signer(params.Owner),
		readonly(params.Mint),
		writable(params.MerchantTokenAccount),
		writable(params.OwnerTokenAccount),
		readonly(solana.TokenProgramID),
	}, data), nil
}

// RefundParams are the accounts and arguments of a refund.
type RefundParams struct {
	Owner                 solana.PublicKey
	Merchant              solana.PublicKey
	Mint                  solana.PublicKey
	MerchantTokenAccount  solana.PublicKey
	Recipient             solana.PublicKey
	RecipientTokenAccount solana.PublicKey
	Amount                uint64
	OriginalSignature     solana.Signature
}

type refundArgs struct {
	Amount        uint64
	OriginalTxSig string
}

// Refund returns Amount of the payment identified by OriginalSignature to
// Recipient and records the refund in a PDA so it cannot be repeated.
// Accounts: merchant (w), owner (w, s), mint, merchant token account (w),
// recipient, recipient token account (w), refund record (w), token program,
// system program.
func (p *Program) Refund(params RefundParams) (solana.Instruction, error) {
	record, _, err := p.RefundRecordAddress(params.Merchant, params.OriginalSignature)
	if err != nil {
		return nil, fmt.Errorf("derive refund record: %w", err)
	}
	data, err := encodeInstruction("refund", refundArgs{
		Amount:        params.Amount,
		OriginalTxSig: params.OriginalSignature.String(),
	})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(p.ID, solana.AccountMetaSlice{
		writable(params.Merchant),
		signer(params.Owner),
		readonly(params.Mint),
		writable(params.MerchantTokenAccount),
		readonly(params.Recipient),
		writable(params.RecipientTokenAccount),
		writable(record),
		readonly(solana.TokenProgramID),
		readonly(solana.SystemProgramID),
	}, data), nil
}
