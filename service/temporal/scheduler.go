package temporal

import (
	"context"
	"time"
)

// Scheduler manages the Temporal schedules that keep payment caches warm.
// Each merchant and network gets its own schedule that triggers
// SyncPaymentHistoryWorkflow.
type Scheduler interface {
	// UpsertHistorySchedule creates the schedule or updates its interval.
	UpsertHistorySchedule(ctx context.Context, merchant, network string, interval time.Duration) error

	// DeleteHistorySchedule deletes the schedule.
	DeleteHistorySchedule(ctx context.Context, merchant, network string) error
}

// scheduleID returns the Temporal schedule ID for a merchant on a network.
func scheduleID(merchant, network string) string {
	return "sync-history-" + network + "-" + merchant
}
