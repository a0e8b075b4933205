package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/solpos/service/metrics"
	"github.com/brojonat/solpos/service/retry"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context) (*rpc.GetLatestBlockhashResult, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// Client wraps an RPCClient for one network with retries, metrics and logging.
type Client struct {
	rpc     RPCClient
	network string // "mainnet" or "devnet", used for metrics labels
	metrics *metrics.Metrics
	logger  *slog.Logger
	policy  retry.Policy
}

// NewClient creates a new Solana client.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, network string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:     rpcClient,
		network: network,
		metrics: m,
		logger:  logger,
		policy:  retry.DefaultPolicy(),
	}
}

// WithRetryPolicy returns a copy of the client using p for retried calls.
func (c *Client) WithRetryPolicy(p retry.Policy) *Client {
	cp := *c
	cp.policy = p
	return &cp
}

// Network returns the network label this client was built for.
func (c *Client) Network() string {
	return c.network
}

func (c *Client) record(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.network, time.Since(start).Seconds())
}

// retryPolicy decorates the client policy with logging and metrics for method.
func (c *Client) retryPolicy(ctx context.Context, method string) retry.Policy {
	p := c.policy
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		reason := "transient"
		if retry.IsRateLimited(err) {
			reason = "rate_limit"
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.network)
			}
		}
		if c.metrics != nil {
			c.metrics.RecordRPCRetry(method, reason)
		}
		c.logger.WarnContext(ctx, "rpc call failed, retrying",
			"method", method,
			"attempt", attempt,
			"reason", reason,
			"delay", delay,
			"error", err,
		)
	}
	return p
}

// SignaturesParams selects a page of signatures for an address.
// Zero signatures mean "unbounded" on that side.
type SignaturesParams struct {
	Address solana.PublicKey
	Before  solana.Signature // only signatures older than this one
	Until   solana.Signature // only signatures newer than this one
	Limit   int
}

// GetSignatures lists signatures newest first.
func (c *Client) GetSignatures(ctx context.Context, params SignaturesParams) ([]*rpc.TransactionSignature, error) {
	opts := &rpc.GetSignaturesForAddressOpts{
		Commitment: rpc.CommitmentConfirmed,
	}
	if params.Limit > 0 {
		limit := params.Limit
		opts.Limit = &limit
	}
	if !params.Before.IsZero() {
		opts.Before = params.Before
	}
	if !params.Until.IsZero() {
		opts.Until = params.Until
	}

	c.logger.DebugContext(ctx, "calling GetSignaturesForAddress",
		"address", params.Address.String(),
		"limit", params.Limit,
		"before", params.Before,
		"until", params.Until,
	)

	var signatures []*rpc.TransactionSignature
	err := retry.Do(ctx, c.retryPolicy(ctx, "GetSignaturesForAddress"), func(ctx context.Context) error {
		start := time.Now()
		out, err := c.rpc.GetSignaturesForAddress(ctx, params.Address, opts)
		c.record("GetSignaturesForAddress", start, err)
		if err != nil {
			return err
		}
		signatures = out
		return nil
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to get signatures",
			"address", params.Address.String(),
			"error", err,
		)
		return nil, fmt.Errorf("get signatures for %s: %w", params.Address, err)
	}

	if c.metrics != nil {
		c.metrics.RecordRPCSignaturesPerCall(c.network, float64(len(signatures)))
	}
	return signatures, nil
}

// isVersionDecodeError matches the decode failure some providers produce for
// legacy transactions when a max supported version is requested.
func isVersionDecodeError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "expects '\"' or 'n', but found '{'")
}

// GetParsedTransaction fetches a confirmed transaction, retrying transient
// failures and falling back to a legacy request on version decode errors.
func (c *Client) GetParsedTransaction(ctx context.Context, signature solana.Signature) (*rpc.GetTransactionResult, error) {
	maxVersion := uint64(0)

	var result *rpc.GetTransactionResult
	err := retry.Do(ctx, c.retryPolicy(ctx, "GetTransaction"), func(ctx context.Context) error {
		start := time.Now()
		out, err := c.rpc.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		c.record("GetTransaction", start, err)

		if isVersionDecodeError(err) {
			c.logger.WarnContext(ctx, "could not parse as versioned tx, retrying as legacy",
				"signature", signature.String(),
			)
			if c.metrics != nil {
				c.metrics.RecordRPCRetry("GetTransaction", "parse_error")
			}
			start = time.Now()
			out, err = c.rpc.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
				Encoding:   solana.EncodingBase64,
				Commitment: rpc.CommitmentConfirmed,
			})
			c.record("GetTransaction", start, err)
		}
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", signature, err)
	}
	if result == nil {
		return nil, fmt.Errorf("get transaction %s: %w", signature, rpc.ErrNotFound)
	}
	return result, nil
}

// Account returns the account at address or ErrAccountNotFound.
func (c *Client) Account(ctx context.Context, address solana.PublicKey) (*rpc.Account, error) {
	start := time.Now()
	out, err := c.rpc.GetAccountInfo(ctx, address)
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && (out == nil || out.Value == nil)) {
		c.record("GetAccountInfo", start, nil)
		return nil, fmt.Errorf("%s: %w", address, ErrAccountNotFound)
	}
	c.record("GetAccountInfo", start, err)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	return out.Value, nil
}

// AccountExists reports whether an account is present at address.
func (c *Client) AccountExists(ctx context.Context, address solana.PublicKey) (bool, error) {
	_, err := c.Account(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Balance returns the lamport balance of address.
func (c *Client) Balance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	start := time.Now()
	out, err := c.rpc.GetBalance(ctx, address)
	c.record("GetBalance", start, err)
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", address, err)
	}
	return out.Value, nil
}

// LatestBlockhash fetches a recent blockhash. It is not retried; callers
// surface failures as transient network errors.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	start := time.Now()
	out, err := c.rpc.GetLatestBlockhash(ctx)
	c.record("GetLatestBlockhash", start, err)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, errors.New("get latest blockhash: empty response")
	}
	return out.Value.Blockhash, nil
}

// SendTransaction relays a fully signed transaction. Resubmitting the same
// signed bytes is idempotent so transient failures are retried.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var sig solana.Signature
	err := retry.Do(ctx, c.retryPolicy(ctx, "SendTransaction"), func(ctx context.Context) error {
		start := time.Now()
		out, err := c.rpc.SendTransaction(ctx, tx)
		c.record("SendTransaction", start, err)
		if err != nil {
			return err
		}
		sig = out
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}
