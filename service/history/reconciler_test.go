package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/solpos/service/retry"
	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNetwork = "devnet"

type fixture struct {
	mock     *solanasvc.MockRPCClient
	client   *solanasvc.Client
	tokens   *solanasvc.TokenRegistry
	merchant solana.PublicKey
	mint     solana.PublicKey
	target   solanasvc.PaymentTarget
	now      time.Time
	seq      byte
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		Limits:              Limits{MaxPayments: 100, PruneTarget: 50, MinRecent: 10, MaxAge: 90 * 24 * time.Hour},
		TTL:                 5 * time.Minute,
		PageSize:            50,
		IncrementalPageSize: 20,
		BatchSize:           2,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := solanasvc.NewMockRPCClient()
	client := solanasvc.NewClient(mock, testNetwork, nil, discardLogger()).WithRetryPolicy(retry.Policy{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})

	mint := solana.NewWallet().PublicKey()
	tokens := solanasvc.NewTokenRegistry()
	tokens.Register(testNetwork, solanasvc.Token{Symbol: "USDC", Mint: mint, Decimals: 6})

	f := &fixture{
		mock:     mock,
		client:   client,
		tokens:   tokens,
		merchant: solana.NewWallet().PublicKey(),
		mint:     mint,
		now:      time.Unix(1_750_000_000, 0).UTC(),
	}
	ata, _, err := solana.FindAssociatedTokenAddress(f.merchant, mint)
	require.NoError(t, err)
	f.target = solanasvc.PaymentTarget{TokenAccount: ata, Mint: mint, Decimals: 6}
	return f
}

func (f *fixture) reconciler(opts Options, persisted Store, notifier Notifier) *Reconciler {
	r := NewReconciler(f.tokens, NewMemoryStore(), persisted, notifier, opts, nil, discardLogger())
	r.AddNetwork(testNetwork, f.client)
	r.now = func() time.Time { return f.now }
	return r
}

func (f *fixture) nextSignature() solana.Signature {
	f.seq++
	return solana.Signature{0xAB, f.seq}
}

// addTransfer records a transfer into destination as the newest entry in the
// merchant token account's history.
func (f *fixture) addTransfer(t *testing.T, destination solana.PublicKey, amount uint64, memo string, failed bool) solana.Signature {
	t.Helper()
	sig := f.nextSignature()
	f.now = f.now.Add(time.Minute)
	result, err := solanasvc.NewTransferResult(solanasvc.TransferSpec{
		Authority:   solana.NewWallet().PublicKey(),
		Source:      solana.NewWallet().PublicKey(),
		Destination: destination,
		Mint:        f.mint,
		Amount:      amount,
		Decimals:    6,
		Memo:        memo,
		BlockTime:   f.now,
		Slot:        uint64(f.seq),
		Failed:      failed,
	})
	require.NoError(t, err)
	f.mock.AddTransaction(f.target.TokenAccount, sig, result)
	return sig
}

func (f *fixture) addPayment(t *testing.T, amount uint64) solana.Signature {
	return f.addTransfer(t, f.target.TokenAccount, amount, "", false)
}

func sigStrings(sigs ...solana.Signature) []string {
	out := make([]string, len(sigs))
	for i, s := range sigs {
		out[i] = s.String()
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls [][]solanasvc.Payment
}

func (n *recordingNotifier) NotifyPayments(ctx context.Context, merchant, network string, payments []solanasvc.Payment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, payments)
	return nil
}

type failingStore struct {
	*MemoryStore
}

func (s failingStore) Save(ctx context.Context, key string, env *Envelope) error {
	return errors.New("store unavailable")
}

func TestFullRefresh(t *testing.T) {
	f := newFixture(t)
	a := f.addPayment(t, 1_500_000)
	f.addTransfer(t, solana.NewWallet().PublicKey(), 7, "", false)
	f.addTransfer(t, f.target.TokenAccount, 9, "", true)
	b := f.addTransfer(t, f.target.TokenAccount, 2_000_000, "order-42", false)
	newest := f.addTransfer(t, solana.NewWallet().PublicKey(), 3, "", false)

	r := f.reconciler(testOptions(), nil, nil)
	res, err := r.FullRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)

	env := res.Envelope
	assert.Equal(t, sigStrings(b, a), signatures(env.Payments))
	assert.Equal(t, "2", env.Payments[0].Amount.String())
	require.NotNil(t, env.Payments[0].Memo)
	assert.Equal(t, "order-42", *env.Payments[0].Memo)
	assert.Equal(t, "1.5", env.Payments[1].Amount.String())

	// Cursors cover every scanned signature, not only payments.
	assert.Equal(t, newest.String(), env.NewestSignature)
	assert.Equal(t, a.String(), env.OldestSignature)
	assert.False(t, env.HasMore)
	assert.Equal(t, CacheVersion, env.Version)
	assert.Equal(t, f.now.Add(5*time.Minute), env.CacheExpiry)
	assert.Len(t, res.New, 2)
}

func TestFullRefreshFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.addPayment(t, 1)
	f.mock.SignaturesErr = errors.New("503 service unavailable")

	r := f.reconciler(testOptions(), nil, nil)
	_, err := r.FullRefresh(t.Context(), f.merchant, testNetwork)
	require.Error(t, err)

	_, err = r.memory.Load(t.Context(), Key(f.merchant.String(), testNetwork))
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestIncrementalRefreshMergesAtHead(t *testing.T) {
	f := newFixture(t)
	c := f.addPayment(t, 3)
	b := f.addPayment(t, 2)
	a := f.addPayment(t, 1)

	r := f.reconciler(testOptions(), nil, nil)
	_, err := r.FullRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)

	d := f.addPayment(t, 4)
	res, err := r.IncrementalRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)

	assert.Equal(t, sigStrings(d, a, b, c), signatures(res.Envelope.Payments))
	assert.Equal(t, sigStrings(d), signatures(res.New))
	assert.Equal(t, d.String(), res.Envelope.NewestSignature)
	assert.False(t, res.Degraded)
	for i := 1; i < len(res.Envelope.Payments); i++ {
		assert.True(t, res.Envelope.Payments[i-1].Timestamp.After(res.Envelope.Payments[i].Timestamp))
	}

	// Nothing new: the cache is returned unchanged.
	res, err = r.IncrementalRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Empty(t, res.New)
	assert.Equal(t, sigStrings(d, a, b, c), signatures(res.Envelope.Payments))
}

func TestIncrementalRefreshWithNothingNewExtendsBothTiers(t *testing.T) {
	f := newFixture(t)
	a := f.addPayment(t, 1)

	persisted := NewMemoryStore()
	opts := testOptions()
	r := f.reconciler(opts, persisted, nil)
	_, err := r.FullRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)

	f.now = f.now.Add(opts.TTL + time.Minute)
	res, err := r.IncrementalRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Empty(t, res.New)

	key := Key(f.merchant.String(), testNetwork)
	for _, store := range []Store{r.memory, persisted} {
		cached, err := store.Load(t.Context(), key)
		require.NoError(t, err)
		assert.Equal(t, f.now, cached.LastUpdated)
		assert.Equal(t, f.now.Add(opts.TTL), cached.CacheExpiry)
		assert.False(t, cached.Expired(f.now))
		assert.Equal(t, sigStrings(a), signatures(cached.Payments))
	}
}

func TestIncrementalRefreshPagesThroughBacklog(t *testing.T) {
	f := newFixture(t)
	first := f.addPayment(t, 1)

	opts := testOptions()
	opts.IncrementalPageSize = 2
	r := f.reconciler(opts, nil, nil)
	_, err := r.FullRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)

	var added []solana.Signature
	for i := 0; i < 5; i++ {
		added = append([]solana.Signature{f.addPayment(t, uint64(i+2))}, added...)
	}

	res, err := r.IncrementalRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Equal(t, append(sigStrings(added...), first.String()), signatures(res.Envelope.Payments))
	assert.Len(t, res.New, 5)
}

func TestIncrementalWithEmptyCacheMatchesFull(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.addPayment(t, uint64(i+1))
	}

	opts := testOptions()
	opts.IncrementalPageSize = 3
	incremental, err := f.reconciler(opts, nil, nil).IncrementalRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)

	fullOpts := opts
	fullOpts.PageSize = opts.IncrementalPageSize
	full, err := f.reconciler(fullOpts, nil, nil).FullRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)

	assert.Equal(t, full.Envelope, incremental.Envelope)
	assert.Len(t, incremental.Envelope.Payments, 3)
}

func TestIncrementalRefreshDegradesOnNetworkError(t *testing.T) {
	f := newFixture(t)
	a := f.addPayment(t, 1)

	r := f.reconciler(testOptions(), nil, nil)
	_, err := r.FullRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)

	f.addPayment(t, 2)
	f.mock.SignaturesErr = errors.New("connection refused")

	res, err := r.IncrementalRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, sigStrings(a), signatures(res.Envelope.Payments))

	cached, err := r.memory.Load(t.Context(), Key(f.merchant.String(), testNetwork))
	require.NoError(t, err)
	assert.Equal(t, sigStrings(a), signatures(cached.Payments))
}

func TestLoadMore(t *testing.T) {
	f := newFixture(t)
	var all []solana.Signature
	for i := 0; i < 5; i++ {
		all = append([]solana.Signature{f.addPayment(t, uint64(i+1))}, all...)
	}

	opts := testOptions()
	opts.PageSize = 2
	r := f.reconciler(opts, nil, nil)

	// With nothing cached, LoadMore starts with a full refresh.
	res, err := r.LoadMore(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Equal(t, sigStrings(all[:2]...), signatures(res.Envelope.Payments))
	assert.True(t, res.Envelope.HasMore)

	res, err = r.LoadMore(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Equal(t, sigStrings(all[:4]...), signatures(res.Envelope.Payments))
	assert.Equal(t, sigStrings(all[2:4]...), signatures(res.New))
	assert.True(t, res.Envelope.HasMore)

	res, err = r.LoadMore(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Equal(t, sigStrings(all...), signatures(res.Envelope.Payments))
	assert.False(t, res.Envelope.HasMore)
	assert.Equal(t, all[4].String(), res.Envelope.OldestSignature)
}

func TestLoadMoreWithUnreadableCursorStopsPaging(t *testing.T) {
	f := newFixture(t)
	persisted := NewMemoryStore()
	key := Key(f.merchant.String(), testNetwork)
	require.NoError(t, persisted.Save(t.Context(), key, &Envelope{
		Merchant:        f.merchant.String(),
		Network:         testNetwork,
		Payments:        []solanasvc.Payment{{Signature: "cached"}},
		OldestSignature: "not-a-signature",
		HasMore:         true,
		CacheExpiry:     f.now.Add(time.Minute),
		Version:         CacheVersion,
	}))

	r := f.reconciler(testOptions(), persisted, nil)
	res, err := r.LoadMore(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.False(t, res.Envelope.HasMore)
	assert.Zero(t, f.mock.SignatureCalls)

	for _, store := range []Store{r.memory, persisted} {
		cached, err := store.Load(t.Context(), key)
		require.NoError(t, err)
		assert.False(t, cached.HasMore)
		assert.Equal(t, []string{"cached"}, signatures(cached.Payments))
	}
}

func TestHandleNotification(t *testing.T) {
	f := newFixture(t)
	a := f.addPayment(t, 1)

	notifier := &recordingNotifier{}
	r := f.reconciler(testOptions(), nil, notifier)
	_, err := r.FullRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)

	e := f.addTransfer(t, f.target.TokenAccount, 5_000_000, "table 4", false)
	got, err := r.HandleNotification(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.String(), got[0].Signature)
	require.Len(t, notifier.calls, 1)

	// The same signature is never processed twice.
	got, err = r.HandleNotification(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Len(t, notifier.calls, 1)

	env, err := r.memory.Load(t.Context(), Key(f.merchant.String(), testNetwork))
	require.NoError(t, err)
	assert.Equal(t, sigStrings(e, a), signatures(env.Payments))
	assert.Equal(t, a.String(), env.NewestSignature, "notifications leave cursors to incremental refresh")

	// A following incremental refresh does not duplicate the notified payment.
	res, err := r.IncrementalRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Equal(t, sigStrings(e, a), signatures(res.Envelope.Payments))
	assert.Empty(t, res.New)
	assert.Equal(t, e.String(), res.Envelope.NewestSignature)
}

func TestHandleNotificationIgnoresNonPayments(t *testing.T) {
	f := newFixture(t)
	f.addTransfer(t, solana.NewWallet().PublicKey(), 1, "", false)

	notifier := &recordingNotifier{}
	r := f.reconciler(testOptions(), nil, notifier)
	got, err := r.HandleNotification(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, notifier.calls)
}

func TestGetServesCacheUntilExpiry(t *testing.T) {
	f := newFixture(t)
	a := f.addPayment(t, 1)

	r := f.reconciler(testOptions(), nil, nil)
	env, err := r.Get(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Equal(t, sigStrings(a), signatures(env.Payments))
	calls := f.mock.SignatureCalls

	env, err = r.Get(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Equal(t, calls, f.mock.SignatureCalls)
	assert.Equal(t, sigStrings(a), signatures(env.Payments))

	b := f.addPayment(t, 2)
	f.now = f.now.Add(10 * time.Minute)
	env, err = r.Get(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Equal(t, sigStrings(b, a), signatures(env.Payments))
	assert.Equal(t, a, f.mock.LastSignatureOpts.Until, "expired cache refreshes incrementally")
}

func TestGetWarmsMemoryFromPersistedStore(t *testing.T) {
	f := newFixture(t)
	persisted := NewMemoryStore()
	key := Key(f.merchant.String(), testNetwork)
	require.NoError(t, persisted.Save(t.Context(), key, &Envelope{
		Merchant:    f.merchant.String(),
		Network:     testNetwork,
		Payments:    []solanasvc.Payment{{Signature: "persisted"}},
		CacheExpiry: f.now.Add(time.Minute),
		Version:     CacheVersion,
	}))

	r := f.reconciler(testOptions(), persisted, nil)
	env, err := r.Get(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Equal(t, []string{"persisted"}, signatures(env.Payments))
	assert.Zero(t, f.mock.SignatureCalls)

	warm, err := r.memory.Load(t.Context(), key)
	require.NoError(t, err)
	assert.Equal(t, []string{"persisted"}, signatures(warm.Payments))
}

func TestGetDiscardsEnvelopeWithOtherVersion(t *testing.T) {
	f := newFixture(t)
	a := f.addPayment(t, 1)
	persisted := NewMemoryStore()
	key := Key(f.merchant.String(), testNetwork)
	require.NoError(t, persisted.Save(t.Context(), key, &Envelope{
		Payments:    []solanasvc.Payment{{Signature: "legacy"}},
		CacheExpiry: f.now.Add(time.Hour),
		Version:     CacheVersion + 1,
	}))

	r := f.reconciler(testOptions(), persisted, nil)
	env, err := r.Get(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Equal(t, sigStrings(a), signatures(env.Payments))

	stored, err := persisted.Load(t.Context(), key)
	require.NoError(t, err)
	assert.Equal(t, CacheVersion, stored.Version)
	assert.Equal(t, sigStrings(a), signatures(stored.Payments))
}

func TestPersistedSaveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	a := f.addPayment(t, 1)

	r := f.reconciler(testOptions(), failingStore{NewMemoryStore()}, nil)
	res, err := r.FullRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)
	assert.Equal(t, sigStrings(a), signatures(res.Envelope.Payments))
}

func TestSavePrunesAndMovesOldestCursor(t *testing.T) {
	f := newFixture(t)
	var all []solana.Signature
	for i := 0; i < 6; i++ {
		all = append([]solana.Signature{f.addPayment(t, uint64(i+1))}, all...)
	}

	opts := testOptions()
	opts.Limits = Limits{MaxPayments: 4, PruneTarget: 3, MinRecent: 1, MaxAge: 24 * time.Hour}
	res, err := f.reconciler(opts, nil, nil).FullRefresh(t.Context(), f.merchant, testNetwork)
	require.NoError(t, err)

	assert.Equal(t, sigStrings(all[:3]...), signatures(res.Envelope.Payments))
	assert.Equal(t, all[2].String(), res.Envelope.OldestSignature)
	assert.True(t, res.Envelope.HasMore)
}

func TestRefreshDispatch(t *testing.T) {
	f := newFixture(t)
	f.addPayment(t, 1)
	r := f.reconciler(testOptions(), nil, nil)

	for _, mode := range []string{ModeCached, ModeFull, ModeIncremental, ModeMore, ""} {
		res, err := r.Refresh(t.Context(), f.merchant, testNetwork, mode)
		require.NoError(t, err, mode)
		assert.Len(t, res.Envelope.Payments, 1, mode)
	}

	_, err := r.Refresh(t.Context(), f.merchant, testNetwork, "sideways")
	assert.Error(t, err)

	_, err = r.Refresh(t.Context(), f.merchant, "testnet", ModeFull)
	assert.ErrorIs(t, err, ErrUnknownNetwork)
}

// gatedSource blocks signature listing until released, counting calls.
type gatedSource struct {
	Source
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (g *gatedSource) GetSignatures(ctx context.Context, params solanasvc.SignaturesParams) ([]*rpc.TransactionSignature, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	<-g.release
	return g.Source.GetSignatures(ctx, params)
}

func TestConcurrentRefreshesShareOneFetch(t *testing.T) {
	f := newFixture(t)
	f.addPayment(t, 1)

	r := f.reconciler(testOptions(), nil, nil)
	gate := &gatedSource{Source: f.client, release: make(chan struct{})}
	r.AddNetwork(testNetwork, gate)

	var wg sync.WaitGroup
	results := make([]*Result, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.FullRefresh(context.Background(), f.merchant, testNetwork)
			assert.NoError(t, err)
			results[i] = res
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	assert.Equal(t, 1, gate.calls)
	for _, res := range results {
		require.NotNil(t, res)
		assert.Len(t, res.Envelope.Payments, 1)
	}
}

func TestSharedRefreshSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.addPayment(t, 1)

	r := f.reconciler(testOptions(), nil, nil)
	gate := &gatedSource{Source: f.client, release: make(chan struct{})}
	r.AddNetwork(testNetwork, gate)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.FullRefresh(ctx, f.merchant, testNetwork)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(gate.release)
	require.NoError(t, <-done)

	env, err := r.memory.Load(context.Background(), Key(f.merchant.String(), testNetwork))
	require.NoError(t, err)
	assert.Len(t, env.Payments, 1)
}
