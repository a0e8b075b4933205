package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solpos/service/metrics"
	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing payment events to NATS.
type Publisher interface {
	// PublishPayment publishes a single payment event to JetStream on
	// "payments.{merchant}".
	PublishPayment(ctx context.Context, event *PaymentEvent) error

	// PublishPaymentBatch publishes events in order. A failed event does not
	// stop the rest of the batch.
	PublishPaymentBatch(ctx context.Context, events []*PaymentEvent) error

	Close() error
}

const (
	// StreamName is the name of the JetStream stream for payments.
	StreamName = "PAYMENTS"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = SubjectPrefix + "*"

	// StreamRetention is how long messages are retained.
	StreamRetention = 7 * 24 * time.Hour

	// DuplicateWindow bounds Msg-Id deduplication. The scheduled sync and the
	// live watcher can both observe a payment; the second publish is dropped.
	DuplicateWindow = 2 * time.Hour
)

// Connect dials NATS with unlimited reconnects.
func Connect(natsURL, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// JetStreamPublisher publishes payment events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := Connect(natsURL, "solpos-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := EnsureStream(ctx, js, logger); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)
	return publisher, nil
}

// EnsureStream creates the payments stream if it doesn't exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	if stream, err := js.Stream(ctx, StreamName); err == nil {
		if info, err := stream.Info(ctx); err == nil {
			logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	logger.Info("creating JetStream stream", "stream", StreamName)
	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Payments received by merchants",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Duplicates:  DuplicateWindow,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PublishPayment publishes a single payment event with the signature as
// Msg-Id.
func (p *JetStreamPublisher) PublishPayment(ctx context.Context, event *PaymentEvent) error {
	subject := Subject(event.Merchant)
	start := time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payment event: %w", err)
	}

	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.Signature))
	if err != nil {
		p.recordPublish(subject, "error", start)
		return fmt.Errorf("failed to publish payment: %w", err)
	}
	status := "success"
	if ack.Duplicate {
		status = "duplicate"
	}
	p.recordPublish(subject, status, start)

	p.logger.DebugContext(ctx, "published payment event",
		"subject", subject,
		"signature", event.Signature,
		"duplicate", ack.Duplicate,
	)
	return nil
}

func (p *JetStreamPublisher) recordPublish(subject, status string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	}
}

func (p *JetStreamPublisher) PublishPaymentBatch(ctx context.Context, events []*PaymentEvent) error {
	return publishEach(ctx, p, events, p.logger)
}

func publishEach(ctx context.Context, p Publisher, events []*PaymentEvent, logger *slog.Logger) error {
	var failed int
	for _, event := range events {
		if err := p.PublishPayment(ctx, event); err != nil {
			logger.ErrorContext(ctx, "failed to publish payment in batch",
				"signature", event.Signature,
				"merchant", event.Merchant,
				"error", err,
			)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to publish %d of %d payment events", failed, len(events))
	}
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}

// Notifier adapts a Publisher to the reconciler's notification hook.
type Notifier struct {
	Publisher Publisher
}

func (n Notifier) NotifyPayments(ctx context.Context, merchant, network string, payments []solanasvc.Payment) error {
	if len(payments) == 0 {
		return nil
	}
	events := make([]*PaymentEvent, len(payments))
	for i, p := range payments {
		events[i] = FromPayment(merchant, network, p)
	}
	return n.Publisher.PublishPaymentBatch(ctx, events)
}
