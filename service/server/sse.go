package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/solpos/service/metrics"
	natspkg "github.com/brojonat/solpos/service/nats"
	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const keepaliveInterval = 10 * time.Second

// PaymentStream delivers published payment events for one merchant until
// ctx is done.
type PaymentStream interface {
	Subscribe(ctx context.Context, merchant string) (<-chan *natspkg.PaymentEvent, error)
}

// JetStreamSource reads payment events from the PAYMENTS stream.
type JetStreamSource struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewJetStreamSource connects to NATS for streaming payment events.
func NewJetStreamSource(natsURL string, logger *slog.Logger) (*JetStreamSource, error) {
	nc, err := natspkg.Connect(natsURL, "solpos-sse")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE payment stream initialized", "nats_url", natsURL)

	return &JetStreamSource{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Subscribe creates an ephemeral consumer that delivers only new events
// published for merchant.
func (s *JetStreamSource) Subscribe(ctx context.Context, merchant string) (<-chan *natspkg.PaymentEvent, error) {
	cons, err := s.js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
		FilterSubject:     natspkg.Subject(merchant),
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	events := make(chan *natspkg.PaymentEvent, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var event natspkg.PaymentEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.WarnContext(ctx, "failed to unmarshal event", "error", err)
			msg.Ack()
			return
		}
		select {
		case events <- &event:
			msg.Ack()
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming messages: %w", err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()
	return events, nil
}

// Close closes the NATS connection.
func (s *JetStreamSource) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("SSE payment stream closed")
	}
	return nil
}

// handleStreamPayments streams a merchant's incoming payments as SSE.
// While connected the merchant's token account is watched, so payments are
// detected as they land. With a PaymentStream configured the events come from
// JetStream; otherwise they come straight from the watcher.
// GET /api/stream/payments/{merchant}?network=
func handleStreamPayments(stream PaymentStream, watcher Watcher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		merchant, err := parsePublicKey("merchant", r.PathValue("merchant"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		q := newQueryParams(r)
		network := q.network()
		if q.err != nil {
			writeError(w, q.err.Error(), http.StatusBadRequest)
			return
		}

		var notifications <-chan []solanasvc.Payment
		if watcher != nil {
			ch, release, err := watcher.Watch(merchant, network)
			if err != nil {
				writeFailure(w, r, logger, "stream", err)
				return
			}
			defer release()
			notifications = ch
		}

		var events <-chan *natspkg.PaymentEvent
		if stream != nil {
			events, err = stream.Subscribe(ctx, merchant.String())
			if err != nil {
				logger.ErrorContext(ctx, "failed to subscribe to payment stream",
					"merchant", merchant.String(),
					"error", err,
				)
				writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
				return
			}
			// The watcher's notifications reach JetStream through the notifier.
			notifications = nil
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if m != nil {
			m.RecordSSEConnectionChange(merchant.String(), 1)
			defer m.RecordSSEConnectionChange(merchant.String(), -1)
		}

		logger.DebugContext(ctx, "SSE client connected",
			"merchant", merchant.String(),
			"network", network,
			"remote_addr", r.RemoteAddr,
		)

		send := func(eventType string, data interface{}) {
			body, err := json.Marshal(data)
			if err != nil {
				logger.WarnContext(ctx, "failed to marshal event", "error", err)
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, body)
			flush(w)
			if m != nil {
				m.RecordSSEEventSent(merchant.String(), eventType)
			}
		}

		send("connected", map[string]string{"merchant": merchant.String(), "network": network})

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flush(w)

			case event := <-events:
				if event.Network != "" && event.Network != network {
					continue
				}
				send("payment", event)

			case payments, ok := <-notifications:
				if !ok {
					return
				}
				for _, p := range payments {
					send("payment", natspkg.FromPayment(merchant.String(), network, p))
				}

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected",
					"merchant", merchant.String(),
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
