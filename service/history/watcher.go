package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/solpos/service/metrics"
	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

// Subscriber opens account-change subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, network string, account solana.PublicKey) (Subscription, error)
}

// Subscription delivers account-change notifications.
type Subscription interface {
	// Recv blocks until the account changes or the subscription fails.
	Recv(ctx context.Context) error
	Close()
}

// WSSubscriber subscribes over the Solana websocket API.
type WSSubscriber struct {
	urls map[string]string
}

// NewWSSubscriber takes the websocket endpoint of each network.
func NewWSSubscriber(urls map[string]string) *WSSubscriber {
	return &WSSubscriber{urls: urls}
}

func (s *WSSubscriber) Subscribe(ctx context.Context, network string, account solana.PublicKey) (Subscription, error) {
	url, ok := s.urls[network]
	if !ok || url == "" {
		return nil, fmt.Errorf("%w: no websocket endpoint for %q", ErrUnknownNetwork, network)
	}
	client, err := ws.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}
	sub, err := client.AccountSubscribe(account, rpc.CommitmentConfirmed)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", account, err)
	}
	return &wsSubscription{client: client, sub: sub}, nil
}

type wsSubscription struct {
	client *ws.Client
	sub    *ws.AccountSubscription
}

func (s *wsSubscription) Recv(ctx context.Context) error {
	_, err := s.sub.Recv(ctx)
	return err
}

func (s *wsSubscription) Close() {
	s.sub.Unsubscribe()
	s.client.Close()
}

// Watcher shares one subscription per merchant and network among any number
// of listeners. The subscription starts with the first listener and stops
// when the last one releases it.
type Watcher struct {
	reconciler *Reconciler
	subscriber Subscriber
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	cancel    context.CancelFunc
	listeners map[chan []solanasvc.Payment]struct{}
}

func NewWatcher(reconciler *Reconciler, subscriber Subscriber, m *metrics.Metrics, logger *slog.Logger) *Watcher {
	return &Watcher{
		reconciler: reconciler,
		subscriber: subscriber,
		metrics:    m,
		logger:     logger,
		watches:    make(map[string]*watch),
	}
}

// Watch registers a listener for payments to merchant on network. Call the
// returned release func when done; the channel is closed afterwards.
func (w *Watcher) Watch(merchant solana.PublicKey, network string) (<-chan []solanasvc.Payment, func(), error) {
	target, err := w.reconciler.Target(merchant, network)
	if err != nil {
		return nil, nil, err
	}
	key := Key(merchant.String(), network)
	ch := make(chan []solanasvc.Payment, 8)

	w.mu.Lock()
	wt, ok := w.watches[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		wt = &watch{cancel: cancel, listeners: make(map[chan []solanasvc.Payment]struct{})}
		w.watches[key] = wt
		go w.run(ctx, key, merchant, network, target.TokenAccount)
		if w.metrics != nil {
			w.metrics.RecordWatcherChange(1)
		}
	}
	wt.listeners[ch] = struct{}{}
	w.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { w.release(key, ch) })
	}
	return ch, release, nil
}

func (w *Watcher) release(key string, ch chan []solanasvc.Payment) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wt, ok := w.watches[key]
	if !ok {
		return
	}
	delete(wt.listeners, ch)
	close(ch)
	if len(wt.listeners) == 0 {
		wt.cancel()
		delete(w.watches, key)
		if w.metrics != nil {
			w.metrics.RecordWatcherChange(-1)
		}
	}
}

// Active reports the number of running subscriptions.
func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watches)
}

func (w *Watcher) broadcast(key string, payments []solanasvc.Payment) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wt, ok := w.watches[key]
	if !ok {
		return
	}
	for ch := range wt.listeners {
		select {
		case ch <- payments:
		default:
			w.logger.Warn("listener is behind, dropping payment notification", "key", key)
		}
	}
}

// run keeps a subscription open until ctx is cancelled, reconnecting with
// exponential backoff.
func (w *Watcher) run(ctx context.Context, key string, merchant solana.PublicKey, network string, account solana.PublicKey) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	logger := w.logger.With("key", key, "account", account.String())
	for ctx.Err() == nil {
		sub, err := w.subscriber.Subscribe(ctx, network, account)
		if err != nil {
			delay := bo.NextBackOff()
			logger.WarnContext(ctx, "account subscription failed, retrying", "error", err, "delay", delay)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		bo.Reset()
		logger.InfoContext(ctx, "watching account for payments")

		err = w.receive(ctx, sub, key, merchant, network)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		delay := bo.NextBackOff()
		logger.WarnContext(ctx, "account subscription dropped, reconnecting", "error", err, "delay", delay)
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (w *Watcher) receive(ctx context.Context, sub Subscription, key string, merchant solana.PublicKey, network string) error {
	for {
		if err := sub.Recv(ctx); err != nil {
			return err
		}
		payments, err := w.reconciler.HandleNotification(ctx, merchant, network)
		if err != nil {
			w.logger.WarnContext(ctx, "failed to handle account notification", "key", key, "error", err)
			continue
		}
		if len(payments) > 0 {
			w.broadcast(key, payments)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
