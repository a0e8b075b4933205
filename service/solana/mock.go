package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// MockRPCClient is a behavior-focused RPCClient for tests: set what it should
// return, not which calls it expects. Signatures are listed newest first per
// address and paged with Before, Until and Limit like a real node.
type MockRPCClient struct {
	mu sync.Mutex

	Signatures   map[solana.PublicKey][]*rpc.TransactionSignature
	Transactions map[solana.Signature]*rpc.GetTransactionResult
	Accounts     map[solana.PublicKey]*rpc.Account
	Balances     map[solana.PublicKey]uint64
	Blockhash    solana.Hash

	// Errors. A positive *Count fails only that many calls; zero fails every call.
	SignaturesErr      error
	SignaturesErrCount int
	TransactionErr     error
	BalanceErr         error
	BlockhashErr       error
	SendErr            error
	SendErrCount       int

	Sent              []*solana.Transaction
	SignatureCalls    int
	TransactionCalls  int
	LastSignatureOpts *rpc.GetSignaturesForAddressOpts
}

// NewMockRPCClient returns an empty mock with a fixed non-zero blockhash.
func NewMockRPCClient() *MockRPCClient {
	return &MockRPCClient{
		Signatures:   make(map[solana.PublicKey][]*rpc.TransactionSignature),
		Transactions: make(map[solana.Signature]*rpc.GetTransactionResult),
		Accounts:     make(map[solana.PublicKey]*rpc.Account),
		Balances:     make(map[solana.PublicKey]uint64),
		Blockhash:    solana.Hash{1, 2, 3},
	}
}

// AddTransaction registers result under sig and prepends sig to address's
// history, so the most recently added transaction is the newest.
func (m *MockRPCClient) AddTransaction(address solana.PublicKey, sig solana.Signature, result *rpc.GetTransactionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &rpc.TransactionSignature{
		Signature: sig,
		Slot:      result.Slot,
		BlockTime: result.BlockTime,
	}
	if result.Meta != nil && result.Meta.Err != nil {
		entry.Err = result.Meta.Err
	}
	m.Signatures[address] = append([]*rpc.TransactionSignature{entry}, m.Signatures[address]...)
	m.Transactions[sig] = result
}

// SetAccount registers an account owned by owner with the given data.
func (m *MockRPCClient) SetAccount(address, owner solana.PublicKey, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Accounts[address] = &rpc.Account{
		Owner:    owner,
		Lamports: 1,
		Data:     rpc.DataBytesOrJSONFromBytes(data),
	}
}

func (m *MockRPCClient) GetSignaturesForAddress(
	ctx context.Context,
	address solana.PublicKey,
	opts *rpc.GetSignaturesForAddressOpts,
) ([]*rpc.TransactionSignature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SignatureCalls++
	m.LastSignatureOpts = opts
	if m.SignaturesErr != nil {
		if m.SignaturesErrCount == 0 {
			return nil, m.SignaturesErr
		}
		if m.SignatureCalls <= m.SignaturesErrCount {
			return nil, m.SignaturesErr
		}
	}

	all := m.Signatures[address]
	start, end := 0, len(all)
	if opts != nil {
		for i, s := range all {
			if !opts.Before.IsZero() && s.Signature.Equals(opts.Before) {
				start = i + 1
			}
			if !opts.Until.IsZero() && s.Signature.Equals(opts.Until) {
				end = i
			}
		}
	}
	if start > end {
		return []*rpc.TransactionSignature{}, nil
	}
	page := all[start:end]
	if opts != nil && opts.Limit != nil && len(page) > *opts.Limit {
		page = page[:*opts.Limit]
	}
	out := make([]*rpc.TransactionSignature, len(page))
	copy(out, page)
	return out, nil
}

func (m *MockRPCClient) GetTransaction(
	ctx context.Context,
	signature solana.Signature,
	opts *rpc.GetTransactionOpts,
) (*rpc.GetTransactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TransactionCalls++
	if m.TransactionErr != nil {
		return nil, m.TransactionErr
	}
	result, ok := m.Transactions[signature]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return result, nil
}

func (m *MockRPCClient) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.Accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: acc}, nil
}

func (m *MockRPCClient) GetBalance(ctx context.Context, account solana.PublicKey) (*rpc.GetBalanceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	return &rpc.GetBalanceResult{Value: m.Balances[account]}, nil
}

func (m *MockRPCClient) GetLatestBlockhash(ctx context.Context) (*rpc.GetLatestBlockhashResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BlockhashErr != nil {
		return nil, m.BlockhashErr
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: m.Blockhash, LastValidBlockHeight: 100},
	}, nil
}

func (m *MockRPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Sent = append(m.Sent, tx)
	if m.SendErr != nil && (m.SendErrCount == 0 || len(m.Sent) <= m.SendErrCount) {
		return solana.Signature{}, m.SendErr
	}
	if len(tx.Signatures) > 0 {
		return tx.Signatures[0], nil
	}
	return solana.Signature{}, nil
}

// TransferSpec describes a synthetic TransferChecked transaction.
type TransferSpec struct {
	Authority   solana.PublicKey
	Source      solana.PublicKey
	Destination solana.PublicKey
	Mint        solana.PublicKey
	Amount      uint64
	Decimals    uint8
	Memo        string
	BlockTime   time.Time
	Slot        uint64
	Failed      bool
}

// NewTransferResult encodes spec as the base64 GetTransaction response a node
// would return for it.
func NewTransferResult(spec TransferSpec) (*rpc.GetTransactionResult, error) {
	keys := []solana.PublicKey{spec.Authority, spec.Source, spec.Destination, spec.Mint, TokenProgramID}
	data := make([]byte, 10)
	data[0] = TokenProgramTransferCheckedInstruction
	binary.LittleEndian.PutUint64(data[1:9], spec.Amount)
	data[9] = spec.Decimals

	instructions := []solana.CompiledInstruction{
		{ProgramIDIndex: 4, Accounts: []uint16{1, 3, 2, 0}, Data: data},
	}
	if spec.Memo != "" {
		keys = append(keys, MemoProgramIDSPL)
		instructions = append(instructions, solana.CompiledInstruction{
			ProgramIDIndex: uint16(len(keys) - 1),
			Data:           []byte(spec.Memo),
		})
	}

	tx := &solana.Transaction{
		Signatures: []solana.Signature{{}},
		Message: solana.Message{
			Header:       solana.MessageHeader{NumRequiredSignatures: 1, NumReadonlyUnsignedAccounts: 2},
			AccountKeys:  keys,
			Instructions: instructions,
		},
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	metaErr := "null"
	if spec.Failed {
		metaErr = `{"InstructionError":[0,{"Custom":1}]}`
	}
	body := fmt.Sprintf(`{"slot":%d,"blockTime":%d,"transaction":[%q,"base64"],"meta":{"err":%s,"fee":5000}}`,
		spec.Slot, spec.BlockTime.Unix(), base64.StdEncoding.EncodeToString(raw), metaErr)

	var result rpc.GetTransactionResult
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return nil, fmt.Errorf("decode transaction result: %w", err)
	}
	return &result, nil
}
