package temporal

import (
	"errors"
	"testing"

	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

const testMerchant = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

func TestSyncPaymentHistoryWorkflow(t *testing.T) {
	tests := []struct {
		name           string
		refresh        func(*testsuite.MockCallWrapper)
		publish        func(*testsuite.MockCallWrapper)
		expectedError  bool
		refreshCalls   int
		publishCalls   int
		validateResult func(*testing.T, *SyncHistoryResult)
	}{
		{
			name: "publishes new payments",
			refresh: func(m *testsuite.MockCallWrapper) {
				m.Return(&RefreshHistoryResult{
					CachedPayments:  3,
					NewPayments:     []solanasvc.Payment{testPayment("sig3"), testPayment("sig2")},
					NewestSignature: "sig3",
				}, nil)
			},
			publish: func(m *testsuite.MockCallWrapper) {
				m.Return(&PublishPaymentsResult{Published: 2}, nil)
			},
			refreshCalls: 1,
			publishCalls: 1,
			validateResult: func(t *testing.T, result *SyncHistoryResult) {
				assert.Equal(t, testMerchant, result.Merchant)
				assert.Equal(t, "devnet", result.Network)
				assert.Equal(t, 3, result.CachedPayments)
				assert.Equal(t, 2, result.NewPayments)
				assert.Equal(t, 2, result.Published)
				assert.Nil(t, result.Error)
			},
		},
		{
			name: "skips publish when nothing is new",
			refresh: func(m *testsuite.MockCallWrapper) {
				m.Return(&RefreshHistoryResult{CachedPayments: 3}, nil)
			},
			publish: func(m *testsuite.MockCallWrapper) {
				m.Return(&PublishPaymentsResult{}, nil)
			},
			refreshCalls: 1,
			publishCalls: 0,
			validateResult: func(t *testing.T, result *SyncHistoryResult) {
				assert.Equal(t, 3, result.CachedPayments)
				assert.Equal(t, 0, result.NewPayments)
				assert.Equal(t, 0, result.Published)
			},
		},
		{
			name: "retries refresh failures",
			refresh: func(m *testsuite.MockCallWrapper) {
				m.Return(nil, errors.New("rpc down"))
			},
			publish: func(m *testsuite.MockCallWrapper) {
				m.Return(&PublishPaymentsResult{}, nil)
			},
			expectedError: true,
			refreshCalls:  3,
			publishCalls:  0,
		},
		{
			name: "does not retry non-retryable refresh failures",
			refresh: func(m *testsuite.MockCallWrapper) {
				m.Return(nil, temporalsdk.NewNonRetryableApplicationError("bad merchant", "InvalidMerchant", nil))
			},
			publish: func(m *testsuite.MockCallWrapper) {
				m.Return(&PublishPaymentsResult{}, nil)
			},
			expectedError: true,
			refreshCalls:  1,
			publishCalls:  0,
		},
		{
			name: "publish failure fails the workflow",
			refresh: func(m *testsuite.MockCallWrapper) {
				m.Return(&RefreshHistoryResult{
					CachedPayments: 1,
					NewPayments:    []solanasvc.Payment{testPayment("sig1")},
				}, nil)
			},
			publish: func(m *testsuite.MockCallWrapper) {
				m.Return(nil, errors.New("nats unavailable"))
			},
			expectedError: true,
			refreshCalls:  1,
			publishCalls:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestWorkflowEnvironment()

			activities := &Activities{}
			env.RegisterActivity(activities.RefreshHistory)
			env.RegisterActivity(activities.PublishPayments)

			var refreshCalls, publishCalls int
			refreshMock := env.OnActivity(activities.RefreshHistory, mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) { refreshCalls++ })
			publishMock := env.OnActivity(activities.PublishPayments, mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) { publishCalls++ })
			tt.refresh(refreshMock)
			tt.publish(publishMock)

			env.ExecuteWorkflow(SyncPaymentHistoryWorkflow, SyncHistoryInput{
				Merchant: testMerchant,
				Network:  "devnet",
			})

			require.True(t, env.IsWorkflowCompleted())
			assert.Equal(t, tt.refreshCalls, refreshCalls)
			assert.Equal(t, tt.publishCalls, publishCalls)

			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				return
			}
			require.NoError(t, env.GetWorkflowError())
			var result SyncHistoryResult
			require.NoError(t, env.GetWorkflowResult(&result))
			tt.validateResult(t, &result)
		})
	}
}

func TestSyncPaymentHistoryWorkflow_PassesPaymentsToPublish(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.RefreshHistory)
	env.RegisterActivity(activities.PublishPayments)

	env.OnActivity(activities.RefreshHistory, mock.Anything, RefreshHistoryInput{Merchant: testMerchant, Network: "devnet"}).
		Return(&RefreshHistoryResult{
			CachedPayments: 1,
			NewPayments:    []solanasvc.Payment{testPayment("sig1")},
		}, nil)

	var published PublishPaymentsInput
	env.OnActivity(activities.PublishPayments, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			published = args.Get(1).(PublishPaymentsInput)
		}).
		Return(&PublishPaymentsResult{Published: 1}, nil)

	env.ExecuteWorkflow(SyncPaymentHistoryWorkflow, SyncHistoryInput{Merchant: testMerchant, Network: "devnet"})

	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, testMerchant, published.Merchant)
	assert.Equal(t, "devnet", published.Network)
	require.Len(t, published.Payments, 1)
	assert.Equal(t, "sig1", published.Payments[0].Signature)
}
