package solana

import (
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type parseFixture struct {
	customer     solana.PublicKey
	source       solana.PublicKey
	tokenAccount solana.PublicKey
	mint         solana.PublicKey
}

func newParseFixture() parseFixture {
	return parseFixture{
		customer:     solana.NewWallet().PublicKey(),
		source:       solana.NewWallet().PublicKey(),
		tokenAccount: solana.NewWallet().PublicKey(),
		mint:         solana.NewWallet().PublicKey(),
	}
}

func (f parseFixture) target() PaymentTarget {
	return PaymentTarget{TokenAccount: f.tokenAccount, Mint: f.mint, Decimals: 6}
}

func sigInfo(sig solana.Signature, result *rpc.GetTransactionResult) *rpc.TransactionSignature {
	return &rpc.TransactionSignature{Signature: sig, Slot: result.Slot, BlockTime: result.BlockTime}
}

func TestParsePayment_TransferCheckedWithMemo(t *testing.T) {
	f := newParseFixture()
	blockTime := time.Unix(1_700_000_000, 0).UTC()

	result, err := NewTransferResult(TransferSpec{
		Authority:   f.customer,
		Source:      f.source,
		Destination: f.tokenAccount,
		Mint:        f.mint,
		Amount:      1_250_000,
		Decimals:    6,
		Memo:        "order-42",
		BlockTime:   blockTime,
		Slot:        77,
	})
	require.NoError(t, err)

	sig := solana.Signature{1}
	payment, err := ParsePayment(sigInfo(sig, result), result, f.target())

	require.NoError(t, err)
	assert.Equal(t, sig.String(), payment.Signature)
	assert.Equal(t, uint64(1_250_000), payment.RawAmount)
	assert.True(t, payment.Amount.Equal(decimal.RequireFromString("1.25")), "got %s", payment.Amount)
	assert.Equal(t, f.customer.String(), payment.Sender)
	assert.Equal(t, f.mint.String(), payment.Mint)
	assert.Equal(t, blockTime, payment.Timestamp)
	assert.Equal(t, uint64(77), payment.Slot)
	require.NotNil(t, payment.Memo)
	assert.Equal(t, "order-42", *payment.Memo)
}

func TestParsePayment_NoMemo(t *testing.T) {
	f := newParseFixture()
	result, err := NewTransferResult(TransferSpec{
		Authority: f.customer, Source: f.source, Destination: f.tokenAccount, Mint: f.mint,
		Amount: 5, Decimals: 6, BlockTime: time.Now(),
	})
	require.NoError(t, err)

	payment, err := ParsePayment(sigInfo(solana.Signature{2}, result), result, f.target())
	require.NoError(t, err)
	assert.Nil(t, payment.Memo)
}

func TestParsePayment_OtherDestination(t *testing.T) {
	f := newParseFixture()
	result, err := NewTransferResult(TransferSpec{
		Authority: f.customer, Source: f.source, Destination: solana.NewWallet().PublicKey(), Mint: f.mint,
		Amount: 100, Decimals: 6, BlockTime: time.Now(),
	})
	require.NoError(t, err)

	_, err = ParsePayment(sigInfo(solana.Signature{3}, result), result, f.target())
	assert.ErrorIs(t, err, ErrNotAPayment)
}

func TestParsePayment_WrongMint(t *testing.T) {
	f := newParseFixture()
	result, err := NewTransferResult(TransferSpec{
		Authority: f.customer, Source: f.source, Destination: f.tokenAccount, Mint: solana.NewWallet().PublicKey(),
		Amount: 100, Decimals: 6, BlockTime: time.Now(),
	})
	require.NoError(t, err)

	_, err = ParsePayment(sigInfo(solana.Signature{4}, result), result, f.target())
	assert.ErrorIs(t, err, ErrNotAPayment)
}

func TestParsePayment_FailedTransaction(t *testing.T) {
	f := newParseFixture()
	result, err := NewTransferResult(TransferSpec{
		Authority: f.customer, Source: f.source, Destination: f.tokenAccount, Mint: f.mint,
		Amount: 100, Decimals: 6, BlockTime: time.Now(), Failed: true,
	})
	require.NoError(t, err)

	_, err = ParsePayment(sigInfo(solana.Signature{5}, result), result, f.target())
	assert.ErrorIs(t, err, ErrNotAPayment)

	failedSig := sigInfo(solana.Signature{5}, result)
	failedSig.Err = map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}
	_, err = ParsePayment(failedSig, result, f.target())
	assert.ErrorIs(t, err, ErrNotAPayment)
}

func TestParsePayment_MissingDetails(t *testing.T) {
	f := newParseFixture()
	_, err := ParsePayment(&rpc.TransactionSignature{Signature: solana.Signature{6}}, nil, f.target())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotAPayment))
}

func TestDecodeTokenTransfer_PlainTransfer(t *testing.T) {
	source := solana.NewWallet().PublicKey()
	dest := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()
	keys := []solana.PublicKey{owner, source, dest, TokenProgramID}

	data := []byte{TokenProgramTransferInstruction, 0x40, 0x42, 0x0f, 0, 0, 0, 0, 0} // 1_000_000
	ix := solana.CompiledInstruction{ProgramIDIndex: 3, Accounts: []uint16{1, 2, 0}, Data: data}

	transfer, err := decodeTokenTransfer(ix, keys)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), transfer.amount)
	assert.Equal(t, dest, transfer.destination)
	assert.Equal(t, owner, transfer.authority)
	assert.True(t, transfer.mint.IsZero())
	assert.Nil(t, transfer.decimals)
}

func TestDecodeTokenTransfer_Errors(t *testing.T) {
	keys := []solana.PublicKey{solana.NewWallet().PublicKey()}

	_, err := decodeTokenTransfer(solana.CompiledInstruction{}, keys)
	assert.Error(t, err)

	_, err = decodeTokenTransfer(solana.CompiledInstruction{Data: []byte{TokenProgramTransferCheckedInstruction, 1}}, keys)
	assert.Error(t, err)

	// Lookup-table accounts cannot be resolved from static keys.
	data := make([]byte, 10)
	data[0] = TokenProgramTransferCheckedInstruction
	_, err = decodeTokenTransfer(solana.CompiledInstruction{Accounts: []uint16{0, 5, 6, 7}, Data: data}, keys)
	assert.Error(t, err)

	_, err = decodeTokenTransfer(solana.CompiledInstruction{Data: []byte{7}}, keys)
	assert.Error(t, err)
}

func TestDecodeMemo(t *testing.T) {
	memo, ok := decodeMemo([]byte("thanks!"))
	assert.True(t, ok)
	assert.Equal(t, "thanks!", memo)

	_, ok = decodeMemo([]byte{0xff, 0xfe})
	assert.False(t, ok)

	_, ok = decodeMemo(nil)
	assert.False(t, ok)
}
