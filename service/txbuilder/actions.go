package txbuilder

import (
	"context"
	"fmt"

	"github.com/brojonat/solpos/service/feepayer"
	"github.com/brojonat/solpos/service/program"
	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Action names, also used as metric labels.
const (
	ActionPayment        = "payment"
	ActionWithdraw       = "withdraw"
	ActionRefund         = "refund"
	ActionCloseMerchant  = "close_merchant"
	ActionCreateMerchant = "create_merchant"
)

type PaymentRequest struct {
	Network  string
	Customer solana.PublicKey
	Merchant solana.PublicKey
	Amount   decimal.Decimal
	Token    string // symbol or mint; empty selects the default token
	Memo     string
}

type WithdrawRequest struct {
	Network  string
	Owner    solana.PublicKey
	Merchant solana.PublicKey
	Amount   decimal.Decimal
	Token    string
}

type RefundRequest struct {
	Network           string
	Owner             solana.PublicKey
	Merchant          solana.PublicKey
	Recipient         solana.PublicKey
	Amount            decimal.Decimal
	Token             string
	OriginalSignature solana.Signature
}

type CloseMerchantRequest struct {
	Network  string
	Owner    solana.PublicKey
	Merchant solana.PublicKey
}

type CreateMerchantRequest struct {
	Network string
	Owner   solana.PublicKey
	Name    string
}

func requireKey(name string, pk solana.PublicKey) error {
	if pk.IsZero() {
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, name)
	}
	return nil
}

// resolve looks up the network, token and base-unit amount shared by token actions.
func (b *Builder) resolve(netName, token string, amount decimal.Decimal) (*network, solanasvc.Token, uint64, error) {
	net, err := b.network(netName)
	if err != nil {
		return nil, solanasvc.Token{}, 0, err
	}
	tok, err := b.tokens.Lookup(netName, token)
	if err != nil {
		return nil, solanasvc.Token{}, 0, err
	}
	raw, err := solanasvc.ToBaseUnits(amount, tok.Decimals)
	if err != nil {
		return nil, solanasvc.Token{}, 0, err
	}
	return net, tok, raw, nil
}

func (b *Builder) fetchOwnedMerchant(ctx context.Context, net *network, merchant, owner solana.PublicKey) (*program.Merchant, error) {
	m, err := b.program.FetchMerchant(ctx, net.chain, merchant)
	if err != nil {
		return nil, err
	}
	if !m.Owner.Equals(owner) {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, merchant)
	}
	return m, nil
}

// BuildPayment transfers Amount from the customer's token account to the
// merchant's, with an optional memo.
func (b *Builder) BuildPayment(ctx context.Context, req PaymentRequest) (res *Result, err error) {
	defer func() { b.recordError(ActionPayment, err) }()

	if err := requireKey("account", req.Customer); err != nil {
		return nil, err
	}
	if err := requireKey("merchant", req.Merchant); err != nil {
		return nil, err
	}
	if len(req.Memo) > MaxMemoLength {
		return nil, fmt.Errorf("%w: memo longer than %d bytes", ErrInvalidRequest, MaxMemoLength)
	}
	net, tok, raw, err := b.resolve(req.Network, req.Token, req.Amount)
	if err != nil {
		return nil, err
	}

	m, err := b.program.FetchMerchant(ctx, net.chain, req.Merchant)
	if err != nil {
		return nil, err
	}
	decision := net.sponsor.Select(ctx, m.FeeEligible, req.Customer)

	customerATA, err := newTokenAccount(req.Customer, tok.Mint)
	if err != nil {
		return nil, err
	}
	merchantATA, err := newTokenAccount(req.Merchant, tok.Mint)
	if err != nil {
		return nil, err
	}

	ixs := []solana.Instruction{
		TransferChecked(customerATA.address, tok.Mint, merchantATA.address, req.Customer, raw, tok.Decimals),
	}
	if req.Memo != "" {
		ixs = append(ixs, Memo(req.Memo))
	}

	return b.assemble(ctx, req.Network, net, ActionPayment, decision,
		[]tokenAccount{customerATA, merchantATA}, ixs)
}

// BuildWithdraw moves Amount from the merchant token account to the owner's.
func (b *Builder) BuildWithdraw(ctx context.Context, req WithdrawRequest) (res *Result, err error) {
	defer func() { b.recordError(ActionWithdraw, err) }()

	if err := requireKey("account", req.Owner); err != nil {
		return nil, err
	}
	if err := requireKey("merchant", req.Merchant); err != nil {
		return nil, err
	}
	net, tok, raw, err := b.resolve(req.Network, req.Token, req.Amount)
	if err != nil {
		return nil, err
	}

	m, err := b.fetchOwnedMerchant(ctx, net, req.Merchant, req.Owner)
	if err != nil {
		return nil, err
	}
	decision := net.sponsor.Select(ctx, m.FeeEligible, req.Owner)

	merchantATA, err := newTokenAccount(req.Merchant, tok.Mint)
	if err != nil {
		return nil, err
	}
	ownerATA, err := newTokenAccount(req.Owner, tok.Mint)
	if err != nil {
		return nil, err
	}

	ix, err := b.program.Withdraw(program.WithdrawParams{
		Owner:                req.Owner,
		Merchant:             req.Merchant,
		Mint:                 tok.Mint,
		MerchantTokenAccount: merchantATA.address,
		OwnerTokenAccount:    ownerATA.address,
		Amount:               raw,
	})
	if err != nil {
		return nil, fmt.Errorf("build withdraw instruction: %w", err)
	}

	return b.assemble(ctx, req.Network, net, ActionWithdraw, decision,
		[]tokenAccount{merchantATA, ownerATA}, []solana.Instruction{ix})
}

// BuildRefund returns part or all of a payment to Recipient.
func (b *Builder) BuildRefund(ctx context.Context, req RefundRequest) (res *Result, err error) {
	defer func() { b.recordError(ActionRefund, err) }()

	if err := requireKey("account", req.Owner); err != nil {
		return nil, err
	}
	if err := requireKey("merchant", req.Merchant); err != nil {
		return nil, err
	}
	if err := requireKey("recipient", req.Recipient); err != nil {
		return nil, err
	}
	if req.OriginalSignature.IsZero() {
		return nil, fmt.Errorf("%w: txSig is required", ErrInvalidRequest)
	}
	net, tok, raw, err := b.resolve(req.Network, req.Token, req.Amount)
	if err != nil {
		return nil, err
	}

	m, err := b.fetchOwnedMerchant(ctx, net, req.Merchant, req.Owner)
	if err != nil {
		return nil, err
	}
	decision := net.sponsor.Select(ctx, m.FeeEligible, req.Owner)

	merchantATA, err := newTokenAccount(req.Merchant, tok.Mint)
	if err != nil {
		return nil, err
	}
	recipientATA, err := newTokenAccount(req.Recipient, tok.Mint)
	if err != nil {
		return nil, err
	}

	ix, err := b.program.Refund(program.RefundParams{
		Owner:                 req.Owner,
		Merchant:              req.Merchant,
		Mint:                  tok.Mint,
		MerchantTokenAccount:  merchantATA.address,
		Recipient:             req.Recipient,
		RecipientTokenAccount: recipientATA.address,
		Amount:                raw,
		OriginalSignature:     req.OriginalSignature,
	})
	if err != nil {
		return nil, fmt.Errorf("build refund instruction: %w", err)
	}

	return b.assemble(ctx, req.Network, net, ActionRefund, decision,
		[]tokenAccount{merchantATA, recipientATA}, []solana.Instruction{ix})
}

// BuildCloseMerchant closes the merchant account.
func (b *Builder) BuildCloseMerchant(ctx context.Context, req CloseMerchantRequest) (res *Result, err error) {
	defer func() { b.recordError(ActionCloseMerchant, err) }()

	if err := requireKey("account", req.Owner); err != nil {
		return nil, err
	}
	if err := requireKey("merchant", req.Merchant); err != nil {
		return nil, err
	}
	net, err := b.network(req.Network)
	if err != nil {
		return nil, err
	}

	m, err := b.fetchOwnedMerchant(ctx, net, req.Merchant, req.Owner)
	if err != nil {
		return nil, err
	}
	decision := net.sponsor.Select(ctx, m.FeeEligible, req.Owner)

	ix, err := b.program.CloseMerchant(req.Owner, req.Merchant)
	if err != nil {
		return nil, fmt.Errorf("build close instruction: %w", err)
	}
	return b.assemble(ctx, req.Network, net, ActionCloseMerchant, decision, nil, []solana.Instruction{ix})
}

// BuildCreateMerchant registers a new merchant and its default-token account.
// The requester always pays: a merchant that does not exist yet cannot be
// fee eligible.
func (b *Builder) BuildCreateMerchant(ctx context.Context, req CreateMerchantRequest) (res *Result, err error) {
	defer func() { b.recordError(ActionCreateMerchant, err) }()

	if err := requireKey("account", req.Owner); err != nil {
		return nil, err
	}
	net, err := b.network(req.Network)
	if err != nil {
		return nil, err
	}
	tok, err := b.tokens.Lookup(req.Network, "")
	if err != nil {
		return nil, err
	}

	ix, merchant, err := b.program.CreateMerchant(req.Owner, req.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	decision := feepayer.Decision{Payer: req.Owner, Reason: feepayer.ReasonMerchantIneligible}

	merchantATA, err := newTokenAccount(merchant, tok.Mint)
	if err != nil {
		return nil, err
	}
	return b.assemble(ctx, req.Network, net, ActionCreateMerchant, decision,
		[]tokenAccount{merchantATA}, []solana.Instruction{ix})
}
