package solana

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/solpos/service/retry"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(mock *MockRPCClient) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(mock, "devnet", nil, logger).WithRetryPolicy(retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})
}

func addSignatures(mock *MockRPCClient, address solana.PublicKey, n int) []solana.Signature {
	sigs := make([]solana.Signature, n)
	for i := 0; i < n; i++ {
		sigs[i] = solana.Signature{byte(i + 1)}
		bt := solana.UnixTimeSeconds(1_700_000_000 + int64(i))
		mock.AddTransaction(address, sigs[i], &rpc.GetTransactionResult{Slot: uint64(i), BlockTime: &bt})
	}
	// AddTransaction prepends, so the last added is the newest.
	return sigs
}

func TestGetSignatures_Paging(t *testing.T) {
	ctx := context.Background()
	mock := NewMockRPCClient()
	address := solana.NewWallet().PublicKey()
	sigs := addSignatures(mock, address, 5) // newest first: 5,4,3,2,1
	client := newTestClient(mock)

	out, err := client.GetSignatures(ctx, SignaturesParams{Address: address, Limit: 2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, sigs[4], out[0].Signature)
	assert.Equal(t, sigs[3], out[1].Signature)

	out, err = client.GetSignatures(ctx, SignaturesParams{Address: address, Until: sigs[2]})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, sigs[4], out[0].Signature)
	assert.Equal(t, sigs[3], out[1].Signature)

	out, err = client.GetSignatures(ctx, SignaturesParams{Address: address, Before: sigs[1], Limit: 10})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, sigs[0], out[0].Signature)
	assert.Equal(t, sigs[1], mock.LastSignatureOpts.Before)
}

func TestGetSignatures_RetriesRateLimit(t *testing.T) {
	mock := NewMockRPCClient()
	address := solana.NewWallet().PublicKey()
	addSignatures(mock, address, 1)
	mock.SignaturesErr = errors.New("429 Too Many Requests")
	mock.SignaturesErrCount = 2

	out, err := newTestClient(mock).GetSignatures(context.Background(), SignaturesParams{Address: address})

	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, 3, mock.SignatureCalls)
}

func TestGetSignatures_GivesUp(t *testing.T) {
	mock := NewMockRPCClient()
	mock.SignaturesErr = errors.New("503 service unavailable")

	_, err := newTestClient(mock).GetSignatures(context.Background(), SignaturesParams{Address: solana.NewWallet().PublicKey()})

	require.Error(t, err)
	assert.Equal(t, 3, mock.SignatureCalls)
}

func TestGetParsedTransaction_NotFound(t *testing.T) {
	mock := NewMockRPCClient()
	_, err := newTestClient(mock).GetParsedTransaction(context.Background(), solana.Signature{9})

	assert.ErrorIs(t, err, rpc.ErrNotFound)
	assert.Equal(t, 1, mock.TransactionCalls)
}

func TestAccountExists(t *testing.T) {
	ctx := context.Background()
	mock := NewMockRPCClient()
	present := solana.NewWallet().PublicKey()
	mock.SetAccount(present, TokenProgramID, []byte{1, 2, 3})
	client := newTestClient(mock)

	ok, err := client.AccountExists(ctx, present)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.AccountExists(ctx, solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = client.Account(ctx, solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestBalanceAndBlockhash(t *testing.T) {
	ctx := context.Background()
	mock := NewMockRPCClient()
	payer := solana.NewWallet().PublicKey()
	mock.Balances[payer] = 42
	client := newTestClient(mock)

	bal, err := client.Balance(ctx, payer)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), bal)

	hash, err := client.LatestBlockhash(ctx)
	require.NoError(t, err)
	assert.Equal(t, mock.Blockhash, hash)

	mock.BlockhashErr = errors.New("timeout")
	_, err = client.LatestBlockhash(ctx)
	assert.Error(t, err)
}

func TestSendTransaction_Retries(t *testing.T) {
	mock := NewMockRPCClient()
	mock.SendErr = errors.New("connection reset by peer")
	mock.SendErrCount = 1
	tx := &solana.Transaction{Signatures: []solana.Signature{{7}}}

	sig, err := newTestClient(mock).SendTransaction(context.Background(), tx)

	require.NoError(t, err)
	assert.Equal(t, solana.Signature{7}, sig)
	assert.Len(t, mock.Sent, 2)
}

func TestSendTransaction_ProgramErrorNotRetried(t *testing.T) {
	mock := NewMockRPCClient()
	mock.SendErr = errors.New("Transaction simulation failed: custom program error: 0x1")
	tx := &solana.Transaction{Signatures: []solana.Signature{{7}}}

	_, err := newTestClient(mock).SendTransaction(context.Background(), tx)

	require.Error(t, err)
	assert.Len(t, mock.Sent, 1)
}

func TestIsVersionDecodeError(t *testing.T) {
	assert.True(t, isVersionDecodeError(errors.New(`expects '"' or 'n', but found '{'`)))
	assert.False(t, isVersionDecodeError(nil))
}
