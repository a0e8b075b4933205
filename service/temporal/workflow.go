package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// WorkflowName is the registered name of SyncPaymentHistoryWorkflow.
const WorkflowName = "SyncPaymentHistoryWorkflow"

var a *Activities // for type-safe activity invocation

// SyncPaymentHistoryWorkflow keeps a merchant's payment cache warm. It is
// triggered by a schedule per merchant and network.
//
// The workflow performs these steps:
// 1. Refresh the cache incrementally (RefreshHistory activity)
// 2. Publish the payments that were new to NATS (PublishPayments activity)
func SyncPaymentHistoryWorkflow(ctx workflow.Context, input SyncHistoryInput) (*SyncHistoryResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SyncPaymentHistoryWorkflow started", "merchant", input.Merchant, "network", input.Network)

	result := &SyncHistoryResult{
		Merchant: input.Merchant,
		Network:  input.Network,
		SyncTime: workflow.Now(ctx),
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var refresh *RefreshHistoryResult
	err := workflow.ExecuteActivity(ctx, a.RefreshHistory, RefreshHistoryInput{
		Merchant: input.Merchant,
		Network:  input.Network,
	}).Get(ctx, &refresh)
	if err != nil {
		errMsg := fmt.Sprintf("failed to refresh history: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to refresh history: %w", err)
	}

	result.CachedPayments = refresh.CachedPayments
	result.NewPayments = len(refresh.NewPayments)
	if len(refresh.NewPayments) == 0 {
		logger.Info("no new payments", "merchant", input.Merchant)
		return result, nil
	}

	var publish *PublishPaymentsResult
	err = workflow.ExecuteActivity(ctx, a.PublishPayments, PublishPaymentsInput{
		Merchant: input.Merchant,
		Network:  input.Network,
		Payments: refresh.NewPayments,
	}).Get(ctx, &publish)
	if err != nil {
		logger.Error("failed to publish payments", "merchant", input.Merchant, "error", err)
		errMsg := fmt.Sprintf("failed to publish payments: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to publish payments: %w", err)
	}
	result.Published = publish.Published

	logger.Info("SyncPaymentHistoryWorkflow completed",
		"merchant", input.Merchant,
		"new_payments", result.NewPayments,
		"published", result.Published,
	)
	return result, nil
}
