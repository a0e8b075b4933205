package nats

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPayment(t *testing.T) {
	memo := "invoice 9"
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	event := FromPayment("Merch111", "mainnet", solanasvc.Payment{
		Signature: "sig1",
		Amount:    decimal.RequireFromString("4.2"),
		RawAmount: 4_200_000,
		Mint:      "Mint111",
		Memo:      &memo,
		Timestamp: ts,
		Sender:    "Sender111",
		Slot:      7,
	})

	assert.Equal(t, "payments.Merch111", Subject(event.Merchant))
	assert.Equal(t, "mainnet", event.Network)
	assert.Equal(t, uint64(4_200_000), event.RawAmount)
	assert.Equal(t, ts, event.Timestamp)
	assert.False(t, event.PublishedAt.IsZero())

	data, err := json.Marshal(event)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "4.2", decoded["amount"])
	assert.Equal(t, "invoice 9", decoded["memo"])
}

func TestNotifierPublishesEachPayment(t *testing.T) {
	mock := NewMockPublisher()
	n := Notifier{Publisher: mock}

	payments := []solanasvc.Payment{{Signature: "a"}, {Signature: "b"}}
	require.NoError(t, n.NotifyPayments(context.Background(), "Merch111", "devnet", payments))
	require.NoError(t, n.NotifyPayments(context.Background(), "Merch111", "devnet", payments[:1]))
	require.NoError(t, n.NotifyPayments(context.Background(), "Merch111", "devnet", nil))

	events := mock.GetPublishedEventsForMerchant("Merch111")
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Signature)
	assert.Equal(t, "devnet", events[1].Network)
	assert.Empty(t, mock.GetPublishedEventsForMerchant("other"))
}

func TestPublishEachReportsFailures(t *testing.T) {
	mock := NewMockPublisher()
	mock.SetPublishError(errors.New("nats: timeout"))

	err := publishEach(context.Background(), mock, []*PaymentEvent{{Signature: "a"}, {Signature: "b"}}, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 2")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
