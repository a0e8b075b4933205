package history

import (
	"context"
	"errors"
	"time"

	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Source is the chain access the reconciler needs. *solana.Client implements it.
type Source interface {
	GetSignatures(ctx context.Context, params solanasvc.SignaturesParams) ([]*rpc.TransactionSignature, error)
	GetParsedTransaction(ctx context.Context, signature solana.Signature) (*rpc.GetTransactionResult, error)
}

// parseSignatures fetches and parses sigs in batches of BatchSize, waiting
// BatchDelay between batches. Transactions that fail to fetch or parse are
// skipped. The result keeps the order of sigs.
func (r *Reconciler) parseSignatures(
	ctx context.Context,
	network string,
	src Source,
	target solanasvc.PaymentTarget,
	sigs []*rpc.TransactionSignature,
) ([]solanasvc.Payment, error) {
	batchSize := max(r.opts.BatchSize, 1)
	limit := rate.Inf
	if r.opts.BatchDelay > 0 {
		limit = rate.Every(r.opts.BatchDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	results := make([]*solanasvc.Payment, len(sigs))
	for start := 0; start < len(sigs); start += batchSize {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		end := min(start+batchSize, len(sigs))

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = r.parseOne(gctx, network, src, target, sigs[i])
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	payments := make([]solanasvc.Payment, 0, len(sigs))
	for _, p := range results {
		if p != nil {
			payments = append(payments, *p)
		}
	}
	return payments, nil
}

func (r *Reconciler) parseOne(
	ctx context.Context,
	network string,
	src Source,
	target solanasvc.PaymentTarget,
	sig *rpc.TransactionSignature,
) *solanasvc.Payment {
	if sig.Err != nil {
		r.recordSkip(network, "failed")
		return nil
	}

	result, err := src.GetParsedTransaction(ctx, sig.Signature)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to fetch transaction, skipping",
			"signature", sig.Signature.String(),
			"error", err,
		)
		r.recordSkip(network, "fetch_error")
		return nil
	}

	payment, err := solanasvc.ParsePayment(sig, result, target)
	if errors.Is(err, solanasvc.ErrNotAPayment) {
		r.recordSkip(network, "not_payment")
		return nil
	}
	if err != nil {
		r.logger.WarnContext(ctx, "failed to parse transaction, skipping",
			"signature", sig.Signature.String(),
			"error", err,
		)
		if r.metrics != nil {
			r.metrics.RecordPaymentParsed(network, "error")
		}
		return nil
	}

	if r.metrics != nil {
		r.metrics.RecordPaymentParsed(network, "success")
	}
	return payment
}

func (r *Reconciler) recordSkip(network, reason string) {
	if r.metrics != nil {
		r.metrics.RecordPaymentsSkipped(network, reason, 1)
	}
}

func (r *Reconciler) recordRefresh(mode, status string, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordCacheRefresh(mode, status, time.Since(start).Seconds())
	}
}
