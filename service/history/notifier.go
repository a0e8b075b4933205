package history

import (
	"context"

	solanasvc "github.com/brojonat/solpos/service/solana"
)

// Notifier announces newly observed payments.
type Notifier interface {
	NotifyPayments(ctx context.Context, merchant, network string, payments []solanasvc.Payment) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyPayments(ctx context.Context, merchant, network string, payments []solanasvc.Payment) error {
	return nil
}
