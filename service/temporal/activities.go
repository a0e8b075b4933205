package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solpos/service/history"
	"github.com/brojonat/solpos/service/metrics"
	natspkg "github.com/brojonat/solpos/service/nats"
	solanasvc "github.com/brojonat/solpos/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// SyncHistoryInput identifies the cache a schedule keeps warm.
type SyncHistoryInput struct {
	Merchant string `json:"merchant"`
	Network  string `json:"network"`
}

// SyncHistoryResult summarizes one sync.
type SyncHistoryResult struct {
	Merchant       string    `json:"merchant"`
	Network        string    `json:"network"`
	SyncTime       time.Time `json:"sync_time"`
	CachedPayments int       `json:"cached_payments"`
	NewPayments    int       `json:"new_payments"`
	Published      int       `json:"published"`
	Error          *string   `json:"error,omitempty"`
}

// RefreshHistoryInput contains parameters for the RefreshHistory activity.
type RefreshHistoryInput struct {
	Merchant string `json:"merchant"`
	Network  string `json:"network"`
}

// RefreshHistoryResult contains the result of the RefreshHistory activity.
type RefreshHistoryResult struct {
	CachedPayments  int                 `json:"cached_payments"`
	NewPayments     []solanasvc.Payment `json:"new_payments"`
	NewestSignature string              `json:"newest_signature,omitempty"`
}

// PublishPaymentsInput contains parameters for the PublishPayments activity.
type PublishPaymentsInput struct {
	Merchant string              `json:"merchant"`
	Network  string              `json:"network"`
	Payments []solanasvc.Payment `json:"payments"`
}

// PublishPaymentsResult contains the result of the PublishPayments activity.
type PublishPaymentsResult struct {
	Published int `json:"published"`
}

// HistoryRefresher is the reconciler operation the sync needs.
type HistoryRefresher interface {
	IncrementalRefresh(ctx context.Context, merchant solanago.PublicKey, network string) (*history.Result, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	refresher HistoryRefresher
	publisher natspkg.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// publisher and metrics may be nil.
func NewActivities(refresher HistoryRefresher, publisher natspkg.Publisher, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		refresher: refresher,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

func (a *Activities) recordDuration(activity, merchant string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, merchant, time.Since(start).Seconds())
	}
}

// RefreshHistory runs an incremental refresh of the merchant's cache. A
// refresh that degraded to the cached data is reported as an error so the
// activity is retried.
func (a *Activities) RefreshHistory(ctx context.Context, input RefreshHistoryInput) (*RefreshHistoryResult, error) {
	start := time.Now()
	defer a.recordDuration("RefreshHistory", input.Merchant, start)

	merchant, err := solanago.PublicKeyFromBase58(input.Merchant)
	if err != nil {
		return nil, temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid merchant address %q", input.Merchant), "InvalidMerchant", err)
	}

	res, err := a.refresher.IncrementalRefresh(ctx, merchant, input.Network)
	if errors.Is(err, history.ErrUnknownNetwork) {
		return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), "UnknownNetwork", err)
	}
	if err != nil {
		a.logger.ErrorContext(ctx, "history refresh failed",
			"merchant", input.Merchant,
			"network", input.Network,
			"error", err,
		)
		return nil, fmt.Errorf("refresh history: %w", err)
	}
	if res.Degraded {
		return nil, fmt.Errorf("refresh history for %s: upstream unavailable, served cached payments", input.Merchant)
	}

	a.logger.InfoContext(ctx, "history refreshed",
		"merchant", input.Merchant,
		"network", input.Network,
		"cached", len(res.Envelope.Payments),
		"new", len(res.New),
	)
	return &RefreshHistoryResult{
		CachedPayments:  len(res.Envelope.Payments),
		NewPayments:     res.New,
		NewestSignature: res.Envelope.NewestSignature,
	}, nil
}

// PublishPayments publishes payments to NATS. Without a publisher it is a
// no-op.
func (a *Activities) PublishPayments(ctx context.Context, input PublishPaymentsInput) (*PublishPaymentsResult, error) {
	start := time.Now()
	defer a.recordDuration("PublishPayments", input.Merchant, start)

	if a.publisher == nil {
		a.logger.DebugContext(ctx, "no publisher configured, skipping", "merchant", input.Merchant)
		return &PublishPaymentsResult{}, nil
	}

	events := make([]*natspkg.PaymentEvent, len(input.Payments))
	for i, p := range input.Payments {
		events[i] = natspkg.FromPayment(input.Merchant, input.Network, p)
	}
	if err := a.publisher.PublishPaymentBatch(ctx, events); err != nil {
		return nil, fmt.Errorf("publish payments: %w", err)
	}

	a.logger.InfoContext(ctx, "published payments",
		"merchant", input.Merchant,
		"count", len(events),
	)
	return &PublishPaymentsResult{Published: len(events)}, nil
}
