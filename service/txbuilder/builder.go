// Package txbuilder assembles merchant transactions, selects who pays their
// fees and partially signs them with the server key when it sponsors them.
package txbuilder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brojonat/solpos/service/feepayer"
	"github.com/brojonat/solpos/service/metrics"
	"github.com/brojonat/solpos/service/program"
	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnknownNetwork       = errors.New("unknown network")
	ErrNotOwner             = errors.New("requester does not own this merchant")
	ErrBlockhashUnavailable = errors.New("could not fetch a recent blockhash")
	ErrAccountLookupFailed  = errors.New("could not check token accounts")
)

// Chain is the RPC surface the builder needs. *solana.Client implements it.
type Chain interface {
	Account(ctx context.Context, address solana.PublicKey) (*rpc.Account, error)
	AccountExists(ctx context.Context, address solana.PublicKey) (bool, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
}

type network struct {
	chain   Chain
	sponsor *feepayer.Sponsor
}

// Builder assembles transactions for every configured network.
type Builder struct {
	program  *program.Program
	tokens   *solanasvc.TokenRegistry
	networks map[string]*network
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewBuilder(p *program.Program, tokens *solanasvc.TokenRegistry, m *metrics.Metrics, logger *slog.Logger) *Builder {
	return &Builder{
		program:  p,
		tokens:   tokens,
		networks: make(map[string]*network),
		metrics:  m,
		logger:   logger,
	}
}

// AddNetwork registers the chain and sponsor used for requests on name.
func (b *Builder) AddNetwork(name string, chain Chain, sponsor *feepayer.Sponsor) {
	b.networks[name] = &network{chain: chain, sponsor: sponsor}
}

func (b *Builder) network(name string) (*network, error) {
	n, ok := b.networks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
	return n, nil
}

// Result is a transaction ready for the client to sign and submit.
type Result struct {
	Transaction     string   `json:"transaction"` // base64 wire format
	Message         string   `json:"message"`
	FeePayer        string   `json:"fee_payer"`
	Sponsored       bool     `json:"sponsored"`
	CreatedAccounts []string `json:"created_accounts,omitempty"`
}

// tokenAccount is a participant's associated token account that must exist.
type tokenAccount struct {
	owner   solana.PublicKey
	mint    solana.PublicKey
	address solana.PublicKey
}

func newTokenAccount(owner, mint solana.PublicKey) (tokenAccount, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return tokenAccount{}, fmt.Errorf("derive token account for %s: %w", owner, err)
	}
	return tokenAccount{owner: owner, mint: mint, address: ata}, nil
}

// assemble prepends idempotent creates for missing token accounts, fetches a
// blockhash, builds the transaction with decision.Payer as fee payer and
// signs it with the server key when the decision is sponsored.
func (b *Builder) assemble(
	ctx context.Context,
	netName string,
	net *network,
	action string,
	decision feepayer.Decision,
	accounts []tokenAccount,
	instructions []solana.Instruction,
) (*Result, error) {
	var creates []solana.Instruction
	var created []string
	for _, acc := range accounts {
		exists, err := net.chain.AccountExists(ctx, acc.address)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAccountLookupFailed, err)
		}
		if exists {
			continue
		}
		creates = append(creates, CreateAssociatedTokenAccountIdempotent(decision.Payer, acc.address, acc.owner, acc.mint))
		created = append(created, acc.address.String())
	}

	blockhash, err := net.chain.LatestBlockhash(ctx)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to fetch blockhash",
			"action", action,
			"network", netName,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrBlockhashUnavailable, err)
	}

	tx, err := solana.NewTransaction(
		append(creates, instructions...),
		blockhash,
		solana.TransactionPayer(decision.Payer),
	)
	if err != nil {
		return nil, fmt.Errorf("build %s transaction: %w", action, err)
	}

	var signers []solana.PrivateKey
	if decision.Sponsored {
		signers = append(signers, *net.sponsor.Key())
	}
	if err := PartialSign(tx, signers...); err != nil {
		return nil, fmt.Errorf("sign %s transaction: %w", action, err)
	}

	encoded, err := Encode(tx)
	if err != nil {
		return nil, fmt.Errorf("serialize %s transaction: %w", action, err)
	}

	payerLabel := "user"
	if decision.Sponsored {
		payerLabel = "server"
	}
	if b.metrics != nil {
		b.metrics.RecordTransactionBuilt(action, payerLabel, netName)
	}
	b.logger.InfoContext(ctx, "transaction assembled",
		"action", action,
		"network", netName,
		"fee_payer", decision.Payer.String(),
		"sponsored", decision.Sponsored,
		"reason", string(decision.Reason),
		"created_accounts", len(created),
	)

	return &Result{
		Transaction:     encoded,
		Message:         statusMessage(action, decision, len(created)),
		FeePayer:        decision.Payer.String(),
		Sponsored:       decision.Sponsored,
		CreatedAccounts: created,
	}, nil
}

func statusMessage(action string, d feepayer.Decision, created int) string {
	var sb strings.Builder
	if d.Sponsored {
		sb.WriteString("Network fees are sponsored by the merchant service")
	} else {
		sb.WriteString("You pay the network fees")
		switch d.Reason {
		case feepayer.ReasonLowBalance, feepayer.ReasonBalanceUnavailable:
			sb.WriteString(" (fee sponsorship is temporarily unavailable)")
		case feepayer.ReasonMerchantIneligible:
			sb.WriteString(" (this merchant is not enrolled in fee sponsorship)")
		}
	}
	if created > 0 {
		payer := "you"
		if d.Sponsored {
			payer = "the merchant service"
		}
		fmt.Fprintf(&sb, "; %d token account(s) will be created, rent paid by %s", created, payer)
	}
	sb.WriteString(". Sign to " + strings.ReplaceAll(action, "_", " ") + ".")
	return sb.String()
}

func (b *Builder) recordError(action string, err error) {
	if b.metrics == nil || err == nil {
		return
	}
	kind := "internal"
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownNetwork),
		errors.Is(err, solanasvc.ErrInvalidAmount), errors.Is(err, solanasvc.ErrUnsupportedToken):
		kind = "invalid"
	case errors.Is(err, ErrNotOwner):
		kind = "not_owner"
	case errors.Is(err, program.ErrMerchantNotFound):
		kind = "not_found"
	case errors.Is(err, ErrBlockhashUnavailable), errors.Is(err, ErrAccountLookupFailed):
		kind = "upstream"
	}
	b.metrics.RecordTransactionBuildError(action, kind)
}

// Encode serializes tx in wire format as base64. Missing signatures are
// zero-filled so the client can add its own.
func Encode(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
