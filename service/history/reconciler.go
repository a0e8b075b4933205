package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/solpos/service/config"
	"github.com/brojonat/solpos/service/metrics"
	"github.com/brojonat/solpos/service/program"
	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/singleflight"
)

var ErrUnknownNetwork = errors.New("unknown network")

// Refresh modes accepted by Reconciler.Refresh.
const (
	ModeCached      = "cached"
	ModeFull        = "full"
	ModeIncremental = "incremental"
	ModeMore        = "more"
)

// refreshTimeout bounds a shared fetch that outlives the caller that started it.
const refreshTimeout = 2 * time.Minute

// Options tune fetching and retention.
type Options struct {
	Limits              Limits
	TTL                 time.Duration
	PageSize            int
	IncrementalPageSize int
	BatchSize           int
	BatchDelay          time.Duration
}

func OptionsFromConfig(h config.HistoryConfig) Options {
	return Options{
		Limits:              LimitsFromConfig(h),
		TTL:                 h.TTL,
		PageSize:            h.PageSize,
		IncrementalPageSize: h.IncrementalPageSize,
		BatchSize:           h.BatchSize,
		BatchDelay:          h.BatchDelay,
	}
}

// Result is the outcome of a refresh.
type Result struct {
	Envelope *Envelope
	// New holds payments not present before this refresh.
	New []solanasvc.Payment
	// Degraded is set when a refresh failed and the existing cache was served.
	Degraded bool
}

// Reconciler keeps the payment cache of each merchant in two tiers (memory,
// then an optional persisted store) and refreshes it from chain history.
type Reconciler struct {
	sources   map[string]Source
	tokens    *solanasvc.TokenRegistry
	memory    Store
	persisted Store
	notifier  Notifier
	opts      Options

	group singleflight.Group
	locks sync.Map // cache key -> *sync.Mutex

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewReconciler creates a Reconciler. persisted and notifier may be nil.
func NewReconciler(
	tokens *solanasvc.TokenRegistry,
	memory Store,
	persisted Store,
	notifier Notifier,
	opts Options,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Reconciler {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Reconciler{
		sources:   make(map[string]Source),
		tokens:    tokens,
		memory:    memory,
		persisted: persisted,
		notifier:  notifier,
		opts:      opts,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// AddNetwork registers the chain source for network.
func (r *Reconciler) AddNetwork(network string, src Source) {
	r.sources[network] = src
}

// Target resolves the token account whose incoming transfers are the
// merchant's payments on network (the default settlement token).
func (r *Reconciler) Target(merchant solana.PublicKey, network string) (solanasvc.PaymentTarget, error) {
	tok, err := r.tokens.Lookup(network, "")
	if err != nil {
		return solanasvc.PaymentTarget{}, err
	}
	ata, err := program.MerchantTokenAccount(merchant, tok.Mint)
	if err != nil {
		return solanasvc.PaymentTarget{}, err
	}
	return solanasvc.PaymentTarget{TokenAccount: ata, Mint: tok.Mint, Decimals: tok.Decimals}, nil
}

func (r *Reconciler) source(network string) (Source, error) {
	src, ok := r.sources[network]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
	return src, nil
}

func (r *Reconciler) lock(key string) func() {
	v, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// shared runs fn once per key and mode among concurrent callers. The fetch
// is detached from the first caller's cancellation.
func (r *Reconciler) shared(ctx context.Context, key, mode string, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	v, err, _ := r.group.Do(key+"|"+mode, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		unlock := r.lock(key)
		defer unlock()
		return fn(fctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Refresh dispatches on mode.
func (r *Reconciler) Refresh(ctx context.Context, merchant solana.PublicKey, network, mode string) (*Result, error) {
	switch mode {
	case "", ModeCached:
		env, err := r.Get(ctx, merchant, network)
		if err != nil {
			return nil, err
		}
		return &Result{Envelope: env}, nil
	case ModeFull:
		return r.FullRefresh(ctx, merchant, network)
	case ModeIncremental:
		return r.IncrementalRefresh(ctx, merchant, network)
	case ModeMore:
		return r.LoadMore(ctx, merchant, network)
	default:
		return nil, fmt.Errorf("unknown refresh mode %q", mode)
	}
}

// Get serves from memory, then the persisted store. An expired envelope is
// refreshed incrementally; with nothing cached it performs a full refresh.
func (r *Reconciler) Get(ctx context.Context, merchant solana.PublicKey, network string) (*Envelope, error) {
	if _, err := r.source(network); err != nil {
		return nil, err
	}
	key := Key(merchant.String(), network)
	now := r.now()

	stale := false
	if env := r.loadTier(ctx, "memory", r.memory, key); env != nil {
		if !env.Expired(now) {
			return env, nil
		}
		stale = true
	}
	if r.persisted != nil {
		if env := r.loadTier(ctx, "store", r.persisted, key); env != nil {
			if !env.Expired(now) {
				if err := r.memory.Save(ctx, key, env); err != nil {
					r.logger.WarnContext(ctx, "failed to warm memory cache", "key", key, "error", err)
				}
				return env, nil
			}
			stale = true
		}
	}

	refresh := r.FullRefresh
	if stale {
		refresh = r.IncrementalRefresh
	}
	res, err := refresh(ctx, merchant, network)
	if err != nil {
		return nil, err
	}
	return res.Envelope, nil
}

// loadTier returns the envelope stored under key, or nil. Envelopes of
// another version are deleted.
func (r *Reconciler) loadTier(ctx context.Context, tier string, store Store, key string) *Envelope {
	env, err := store.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			r.logger.WarnContext(ctx, "cache load failed", "tier", tier, "key", key, "error", err)
		}
		if r.metrics != nil {
			r.metrics.RecordCacheLookup(tier, false)
		}
		return nil
	}
	if env.Version != CacheVersion {
		r.logger.InfoContext(ctx, "discarding cache envelope with stale version",
			"tier", tier,
			"key", key,
			"version", env.Version,
		)
		if err := store.Delete(ctx, key); err != nil {
			r.logger.WarnContext(ctx, "failed to delete stale envelope", "tier", tier, "key", key, "error", err)
		}
		if r.metrics != nil {
			r.metrics.RecordCacheLookup(tier, false)
		}
		return nil
	}
	if r.metrics != nil {
		r.metrics.RecordCacheLookup(tier, true)
	}
	return env
}

// existing returns the current envelope from either tier, expired or not.
func (r *Reconciler) existing(ctx context.Context, key string) *Envelope {
	if env := r.loadTier(ctx, "memory", r.memory, key); env != nil {
		return env
	}
	if r.persisted != nil {
		return r.loadTier(ctx, "store", r.persisted, key)
	}
	return nil
}

// save prunes, stamps and writes env to both tiers. Persisted-tier failures
// are logged; the memory tier still serves the result.
func (r *Reconciler) save(ctx context.Context, key string, env *Envelope) {
	now := r.now()
	before := len(env.Payments)
	env.Payments = Prune(env.Payments, now, r.opts.Limits)
	if dropped := before - len(env.Payments); dropped > 0 {
		if len(env.Payments) > 0 {
			env.OldestSignature = env.Payments[len(env.Payments)-1].Signature
		}
		env.HasMore = true
		if r.metrics != nil {
			r.metrics.RecordCachePruned(env.Network, dropped)
		}
		r.logger.DebugContext(ctx, "pruned payment cache", "key", key, "dropped", dropped)
	}

	env.Version = CacheVersion
	env.LastUpdated = now
	env.CacheExpiry = now.Add(r.opts.TTL)

	if err := r.memory.Save(ctx, key, env); err != nil {
		r.logger.WarnContext(ctx, "failed to save memory cache", "key", key, "error", err)
	}
	if r.persisted != nil {
		if err := r.persisted.Save(ctx, key, env); err != nil {
			r.logger.WarnContext(ctx, "failed to save persisted cache", "key", key, "error", err)
		}
	}
}

func newEnvelope(merchant, network string) *Envelope {
	return &Envelope{Merchant: merchant, Network: network, Payments: []solanasvc.Payment{}, Version: CacheVersion}
}

// FullRefresh replaces the cache with the newest PageSize signatures.
// Failures are returned to the caller.
func (r *Reconciler) FullRefresh(ctx context.Context, merchant solana.PublicKey, network string) (*Result, error) {
	src, err := r.source(network)
	if err != nil {
		return nil, err
	}
	target, err := r.Target(merchant, network)
	if err != nil {
		return nil, err
	}
	key := Key(merchant.String(), network)

	return r.shared(ctx, key, ModeFull, func(ctx context.Context) (*Result, error) {
		start := time.Now()
		prev := r.existing(ctx, key)

		env, err := r.fetchFresh(ctx, merchant, network, src, target, r.opts.PageSize)
		if err != nil {
			r.recordRefresh(ModeFull, "error", start)
			r.logger.ErrorContext(ctx, "full refresh failed", "key", key, "error", err)
			return nil, err
		}
		r.save(ctx, key, env)
		r.recordRefresh(ModeFull, "success", start)

		var fresh []solanasvc.Payment
		if prev == nil {
			fresh = env.Payments
		} else {
			fresh = newSince(prev.Payments, env.Payments)
		}
		r.logger.InfoContext(ctx, "full refresh complete",
			"key", key,
			"payments", len(env.Payments),
			"new", len(fresh),
		)
		return &Result{Envelope: env, New: fresh}, nil
	})
}

// fetchFresh builds an envelope from the newest limit signatures.
func (r *Reconciler) fetchFresh(
	ctx context.Context,
	merchant solana.PublicKey,
	network string,
	src Source,
	target solanasvc.PaymentTarget,
	limit int,
) (*Envelope, error) {
	sigs, err := src.GetSignatures(ctx, solanasvc.SignaturesParams{Address: target.TokenAccount, Limit: limit})
	if err != nil {
		return nil, err
	}
	payments, err := r.parseSignatures(ctx, network, src, target, sigs)
	if err != nil {
		return nil, err
	}

	env := newEnvelope(merchant.String(), network)
	env.Payments = payments
	if len(sigs) > 0 {
		env.NewestSignature = sigs[0].Signature.String()
		env.OldestSignature = sigs[len(sigs)-1].Signature.String()
	}
	env.HasMore = len(sigs) == limit
	return env, nil
}

// IncrementalRefresh fetches only signatures newer than the cache's newest
// cursor and merges the resulting payments at the head. With no cache it
// behaves as a full fetch bounded by IncrementalPageSize. Network errors
// against an existing cache degrade to serving that cache.
func (r *Reconciler) IncrementalRefresh(ctx context.Context, merchant solana.PublicKey, network string) (*Result, error) {
	src, err := r.source(network)
	if err != nil {
		return nil, err
	}
	target, err := r.Target(merchant, network)
	if err != nil {
		return nil, err
	}
	key := Key(merchant.String(), network)

	return r.shared(ctx, key, ModeIncremental, func(ctx context.Context) (*Result, error) {
		start := time.Now()
		env := r.existing(ctx, key)

		var until solana.Signature
		if env != nil {
			until, _ = solana.SignatureFromBase58(env.newestCursor())
		}
		if env == nil || until.IsZero() {
			fresh, err := r.fetchFresh(ctx, merchant, network, src, target, r.opts.IncrementalPageSize)
			if err != nil {
				r.recordRefresh(ModeIncremental, "error", start)
				return nil, err
			}
			if env != nil {
				fresh.Payments = MergeNewer(env.Payments, fresh.Payments)
			}
			r.save(ctx, key, fresh)
			r.recordRefresh(ModeIncremental, "success", start)
			return &Result{Envelope: fresh, New: fresh.Payments}, nil
		}

		sigs, err := r.signaturesSince(ctx, src, target.TokenAccount, until)
		if err == nil && len(sigs) == 0 {
			r.save(ctx, key, env)
			r.recordRefresh(ModeIncremental, "empty", start)
			return &Result{Envelope: env}, nil
		}
		var payments []solanasvc.Payment
		if err == nil {
			payments, err = r.parseSignatures(ctx, network, src, target, sigs)
		}
		if err != nil {
			r.logger.WarnContext(ctx, "incremental refresh failed, serving cached payments",
				"key", key,
				"error", err,
			)
			r.recordRefresh(ModeIncremental, "degraded", start)
			return &Result{Envelope: env, Degraded: true}, nil
		}

		fresh := newSince(env.Payments, payments)
		env.Payments = MergeNewer(env.Payments, payments)
		env.NewestSignature = sigs[0].Signature.String()
		r.save(ctx, key, env)
		r.recordRefresh(ModeIncremental, "success", start)

		r.logger.InfoContext(ctx, "incremental refresh complete",
			"key", key,
			"signatures", len(sigs),
			"new", len(fresh),
		)
		return &Result{Envelope: env, New: fresh}, nil
	})
}

// signaturesSince pages backwards from the newest signature down to until,
// stopping at MaxPayments signatures.
func (r *Reconciler) signaturesSince(ctx context.Context, src Source, address solana.PublicKey, until solana.Signature) ([]*rpc.TransactionSignature, error) {
	pageSize := max(r.opts.IncrementalPageSize, 1)
	var all []*rpc.TransactionSignature
	var before solana.Signature
	for {
		page, err := src.GetSignatures(ctx, solanasvc.SignaturesParams{
			Address: address,
			Until:   until,
			Before:  before,
			Limit:   pageSize,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize || len(all) >= r.opts.Limits.MaxPayments {
			return all, nil
		}
		before = page[len(page)-1].Signature
	}
}

// LoadMore fetches a page of signatures older than the cache's oldest cursor
// and appends the resulting payments. With no cache it performs a full refresh.
func (r *Reconciler) LoadMore(ctx context.Context, merchant solana.PublicKey, network string) (*Result, error) {
	src, err := r.source(network)
	if err != nil {
		return nil, err
	}
	target, err := r.Target(merchant, network)
	if err != nil {
		return nil, err
	}
	key := Key(merchant.String(), network)

	if r.existing(ctx, key) == nil {
		return r.FullRefresh(ctx, merchant, network)
	}

	return r.shared(ctx, key, ModeMore, func(ctx context.Context) (*Result, error) {
		start := time.Now()
		env := r.existing(ctx, key)
		if env == nil {
			return nil, ErrCacheMiss
		}
		before, _ := solana.SignatureFromBase58(env.oldestCursor())
		if before.IsZero() {
			env.HasMore = false
			r.save(ctx, key, env)
			return &Result{Envelope: env}, nil
		}

		sigs, err := src.GetSignatures(ctx, solanasvc.SignaturesParams{
			Address: target.TokenAccount,
			Before:  before,
			Limit:   r.opts.PageSize,
		})
		if err != nil {
			r.recordRefresh(ModeMore, "error", start)
			return nil, err
		}
		older, err := r.parseSignatures(ctx, network, src, target, sigs)
		if err != nil {
			r.recordRefresh(ModeMore, "error", start)
			return nil, err
		}

		added := newSince(env.Payments, older)
		env.Payments = AppendOlder(env.Payments, older)
		if len(sigs) > 0 {
			env.OldestSignature = sigs[len(sigs)-1].Signature.String()
		}
		env.HasMore = len(sigs) == r.opts.PageSize
		r.save(ctx, key, env)
		r.recordRefresh(ModeMore, "success", start)
		return &Result{Envelope: env, New: added}, nil
	})
}

// HandleNotification reacts to an account-change notification: it fetches
// the single newest signature, skips it when already cached, and otherwise
// prepends the payment and notifies. Cursors are left to incremental refresh
// so a burst of transfers is not skipped.
func (r *Reconciler) HandleNotification(ctx context.Context, merchant solana.PublicKey, network string) ([]solanasvc.Payment, error) {
	src, err := r.source(network)
	if err != nil {
		return nil, err
	}
	target, err := r.Target(merchant, network)
	if err != nil {
		return nil, err
	}
	key := Key(merchant.String(), network)

	unlock := r.lock(key)
	defer unlock()

	sigs, err := src.GetSignatures(ctx, solanasvc.SignaturesParams{Address: target.TokenAccount, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, nil
	}

	env := r.existing(ctx, key)
	if env == nil {
		env = newEnvelope(merchant.String(), network)
	}
	newest := sigs[0].Signature.String()
	if containsSignature(env.Payments, newest) {
		r.recordNotification("duplicate")
		return nil, nil
	}

	payments, err := r.parseSignatures(ctx, network, src, target, sigs)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		r.recordNotification("not_payment")
		return nil, nil
	}

	env.Payments = MergeNewer(env.Payments, payments)
	r.save(ctx, key, env)
	r.recordNotification("payment")

	if err := r.notifier.NotifyPayments(ctx, merchant.String(), network, payments); err != nil {
		r.logger.WarnContext(ctx, "failed to publish payment notification",
			"key", key,
			"error", err,
		)
	}
	r.logger.InfoContext(ctx, "payment received",
		"merchant", merchant.String(),
		"network", network,
		"signature", newest,
	)
	return payments, nil
}

func (r *Reconciler) recordNotification(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordNotification(outcome)
	}
}

func containsSignature(payments []solanasvc.Payment, sig string) bool {
	for _, p := range payments {
		if p.Signature == sig {
			return true
		}
	}
	return false
}

// newSince returns the payments in candidates whose signature is not in known.
func newSince(known, candidates []solanasvc.Payment) []solanasvc.Payment {
	seen := make(map[string]struct{}, len(known))
	for _, p := range known {
		seen[p.Signature] = struct{}{}
	}
	var out []solanasvc.Payment
	for _, p := range candidates {
		if _, ok := seen[p.Signature]; !ok {
			out = append(out, p)
		}
	}
	return out
}
