package solana

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Well-known Solana program IDs
var (
	// SystemProgramID is the native SOL transfer program
	SystemProgramID = solana.SystemProgramID

	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.TokenProgramID

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	// AssociatedTokenProgramID derives and creates associated token accounts
	AssociatedTokenProgramID = solana.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	// MemoProgramIDSPL is the SPL Memo program (most common)
	MemoProgramIDSPL = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	// MemoProgramIDLegacy is the legacy memo program (v1)
	MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
)

// Token Program instruction types
const (
	TokenProgramTransferInstruction        = uint8(3)
	TokenProgramTransferCheckedInstruction = uint8(12)
)

// tokenTransfer is a decoded SPL Transfer or TransferChecked instruction.
type tokenTransfer struct {
	amount      uint64
	destination solana.PublicKey
	authority   solana.PublicKey
	mint        solana.PublicKey // zero for plain Transfer
	decimals    *uint8           // nil for plain Transfer
}

func accountAt(keys []solana.PublicKey, ix solana.CompiledInstruction, pos int) (solana.PublicKey, bool) {
	if pos >= len(ix.Accounts) {
		return solana.PublicKey{}, false
	}
	idx := int(ix.Accounts[pos])
	if idx >= len(keys) {
		// Account loaded from an address lookup table; not resolvable statically.
		return solana.PublicKey{}, false
	}
	return keys[idx], true
}

// decodeTokenTransfer decodes the instruction data and accounts of an SPL transfer.
func decodeTokenTransfer(ix solana.CompiledInstruction, keys []solana.PublicKey) (*tokenTransfer, error) {
	if len(ix.Data) == 0 {
		return nil, fmt.Errorf("empty instruction data")
	}

	switch ix.Data[0] {
	case TokenProgramTransferInstruction:
		// [0] = 3, [1..9] = amount; accounts: [source, destination, authority]
		if len(ix.Data) < 9 {
			return nil, fmt.Errorf("transfer instruction data too short")
		}
		dest, ok1 := accountAt(keys, ix, 1)
		auth, ok2 := accountAt(keys, ix, 2)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("transfer accounts not resolvable")
		}
		return &tokenTransfer{
			amount:      binary.LittleEndian.Uint64(ix.Data[1:9]),
			destination: dest,
			authority:   auth,
		}, nil

	case TokenProgramTransferCheckedInstruction:
		// [0] = 12, [1..9] = amount, [9] = decimals;
		// accounts: [source, mint, destination, authority]
		if len(ix.Data) < 10 {
			return nil, fmt.Errorf("transferChecked instruction data too short")
		}
		mint, ok1 := accountAt(keys, ix, 1)
		dest, ok2 := accountAt(keys, ix, 2)
		auth, ok3 := accountAt(keys, ix, 3)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("transferChecked accounts not resolvable")
		}
		decimals := ix.Data[9]
		return &tokenTransfer{
			amount:      binary.LittleEndian.Uint64(ix.Data[1:9]),
			destination: dest,
			authority:   auth,
			mint:        mint,
			decimals:    &decimals,
		}, nil

	default:
		return nil, fmt.Errorf("unknown token instruction type: %d", ix.Data[0])
	}
}

// decodeMemo returns the memo text carried in a Memo program instruction.
func decodeMemo(data []byte) (string, bool) {
	if len(data) == 0 || !utf8.Valid(data) {
		return "", false
	}
	return string(data), true
}

// PaymentTarget identifies the token account whose incoming transfers are payments.
type PaymentTarget struct {
	TokenAccount solana.PublicKey
	Mint         solana.PublicKey
	Decimals     uint8
}

// ParsePayment reconstructs a Payment from a confirmed transaction by decoding
// its top-level SPL transfer instructions into target.TokenAccount and any
// Memo program instruction. Several matching transfers in one transaction are
// summed. Failed or unrelated transactions return ErrNotAPayment.
func ParsePayment(sig *rpc.TransactionSignature, result *rpc.GetTransactionResult, target PaymentTarget) (*Payment, error) {
	if sig.Err != nil {
		return nil, fmt.Errorf("%w: transaction failed: %v", ErrNotAPayment, sig.Err)
	}
	if result == nil || result.Transaction == nil {
		return nil, fmt.Errorf("transaction %s: no details available", sig.Signature)
	}
	if result.Meta != nil && result.Meta.Err != nil {
		return nil, fmt.Errorf("%w: transaction failed: %v", ErrNotAPayment, result.Meta.Err)
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	payment := &Payment{
		Signature: sig.Signature.String(),
		Slot:      sig.Slot,
		Mint:      target.Mint.String(),
	}
	switch {
	case sig.BlockTime != nil:
		payment.Timestamp = sig.BlockTime.Time().UTC()
	case result.BlockTime != nil:
		payment.Timestamp = result.BlockTime.Time().UTC()
	}
	if payment.Slot == 0 {
		payment.Slot = result.Slot
	}

	keys := tx.Message.AccountKeys
	matched := false
	decimals := target.Decimals
	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			continue
		}
		programID := keys[ix.ProgramIDIndex]

		switch {
		case programID.Equals(TokenProgramID) || programID.Equals(Token2022ProgramID):
			transfer, err := decodeTokenTransfer(ix, keys)
			if err != nil || !transfer.destination.Equals(target.TokenAccount) {
				continue
			}
			if !transfer.mint.IsZero() && !target.Mint.IsZero() && !transfer.mint.Equals(target.Mint) {
				continue
			}
			if transfer.decimals != nil {
				decimals = *transfer.decimals
			}
			payment.RawAmount += transfer.amount
			if payment.Sender == "" {
				payment.Sender = transfer.authority.String()
			}
			matched = true

		case programID.Equals(MemoProgramIDSPL) || programID.Equals(MemoProgramIDLegacy):
			if memo, ok := decodeMemo(ix.Data); ok {
				payment.Memo = &memo
			}
		}
	}

	if !matched {
		return nil, ErrNotAPayment
	}
	payment.Amount = FromBaseUnits(payment.RawAmount, decimals)
	return payment, nil
}
