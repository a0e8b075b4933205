package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal        *prometheus.CounterVec
	solanaRPCCallDuration      *prometheus.HistogramVec
	solanaRPCRateLimitHits     *prometheus.CounterVec
	solanaRPCRetries           *prometheus.CounterVec
	solanaRPCSignaturesPerCall *prometheus.HistogramVec

	// Transaction Assembly Metrics
	transactionsBuiltTotal  *prometheus.CounterVec
	transactionsBuildErrors *prometheus.CounterVec
	feePayerBalance         *prometheus.GaugeVec
	transactionsSubmitted   *prometheus.CounterVec

	// Payment History Metrics
	paymentsParsedTotal   *prometheus.CounterVec
	paymentsSkippedTotal  *prometheus.CounterVec
	cacheLookupsTotal     *prometheus.CounterVec
	cacheRefreshesTotal   *prometheus.CounterVec
	cacheRefreshDuration  *prometheus.HistogramVec
	cachePrunedTotal      *prometheus.CounterVec
	watchersActive        prometheus.Gauge
	notificationsReceived *prometheus.CounterVec

	// Workflow Metrics
	syncActivityDuration *prometheus.HistogramVec

	// Cache Store Metrics
	storeQueryDuration   *prometheus.HistogramVec
	storeOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "network"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "network"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"network"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		solanaRPCSignaturesPerCall: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_signatures_per_call",
				Help:    "Number of signatures fetched per GetSignaturesForAddress call",
				Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
			},
			[]string{"network"},
		),

		// Transaction Assembly Metrics
		transactionsBuiltTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pos_transactions_built_total",
				Help: "Total number of transactions assembled, by action and fee payer",
			},
			[]string{"action", "fee_payer", "network"},
		),
		transactionsBuildErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pos_transaction_build_errors_total",
				Help: "Total number of failed transaction assemblies by action and error kind",
			},
			[]string{"action", "kind"},
		),
		feePayerBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pos_fee_payer_balance_lamports",
				Help: "Last observed balance of the server fee payer",
			},
			[]string{"network"},
		),
		transactionsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pos_transactions_submitted_total",
				Help: "Total number of signed transactions relayed to the cluster",
			},
			[]string{"network", "status"},
		),

		// Payment History Metrics
		paymentsParsedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pos_payments_parsed_total",
				Help: "Total number of transactions parsed into payments",
			},
			[]string{"network", "status"},
		),
		paymentsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pos_payments_skipped_total",
				Help: "Total number of transactions skipped while reconstructing payments",
			},
			[]string{"network", "reason"},
		),
		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pos_cache_lookups_total",
				Help: "Payment cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),
		cacheRefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pos_cache_refreshes_total",
				Help: "Payment cache refreshes by mode and status",
			},
			[]string{"mode", "status"},
		),
		cacheRefreshDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pos_cache_refresh_duration_seconds",
				Help:    "Duration of payment cache refreshes in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),
		cachePrunedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pos_cache_pruned_payments_total",
				Help: "Total number of payments dropped by cache pruning",
			},
			[]string{"network"},
		),
		watchersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pos_account_watchers_active",
				Help: "Number of active token-account websocket subscriptions",
			},
		),
		notificationsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pos_account_notifications_total",
				Help: "Account-change notifications by outcome",
			},
			[]string{"outcome"},
		),

		// Workflow Metrics
		syncActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "history_sync_activity_duration_seconds",
				Help:    "Duration of history sync activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "merchant"},
		),

		// Cache Store Metrics
		storeQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cache_store_query_duration_seconds",
				Help:    "Duration of cache store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"backend", "operation"},
		),
		storeOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_store_operations_total",
				Help: "Total number of cache store operations",
			},
			[]string{"backend", "operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"merchant"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"merchant", "event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, network string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, network).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, network).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(network string) {
	m.solanaRPCRateLimitHits.WithLabelValues(network).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordRPCSignaturesPerCall records the number of signatures fetched.
func (m *Metrics) RecordRPCSignaturesPerCall(network string, count float64) {
	m.solanaRPCSignaturesPerCall.WithLabelValues(network).Observe(count)
}

// Transaction assembly metric helpers

// RecordTransactionBuilt records an assembled transaction and who pays its fees.
func (m *Metrics) RecordTransactionBuilt(action, feePayer, network string) {
	m.transactionsBuiltTotal.WithLabelValues(action, feePayer, network).Inc()
}

// RecordTransactionBuildError records a failed assembly.
func (m *Metrics) RecordTransactionBuildError(action, kind string) {
	m.transactionsBuildErrors.WithLabelValues(action, kind).Inc()
}

// SetFeePayerBalance records the last observed fee-payer balance in lamports.
func (m *Metrics) SetFeePayerBalance(network string, lamports uint64) {
	m.feePayerBalance.WithLabelValues(network).Set(float64(lamports))
}

// RecordTransactionSubmitted records a relayed transaction.
func (m *Metrics) RecordTransactionSubmitted(network, status string) {
	m.transactionsSubmitted.WithLabelValues(network, status).Inc()
}

// Payment history metric helpers

// RecordPaymentParsed records a transaction parse attempt.
func (m *Metrics) RecordPaymentParsed(network, status string) {
	m.paymentsParsedTotal.WithLabelValues(network, status).Inc()
}

// RecordPaymentsSkipped records transactions skipped.
func (m *Metrics) RecordPaymentsSkipped(network, reason string, count int) {
	m.paymentsSkippedTotal.WithLabelValues(network, reason).Add(float64(count))
}

// RecordCacheLookup records a cache lookup on one tier ("memory", "store").
func (m *Metrics) RecordCacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// RecordCacheRefresh records a refresh of the given mode.
func (m *Metrics) RecordCacheRefresh(mode, status string, duration float64) {
	m.cacheRefreshesTotal.WithLabelValues(mode, status).Inc()
	m.cacheRefreshDuration.WithLabelValues(mode).Observe(duration)
}

// RecordCachePruned records payments dropped by pruning.
func (m *Metrics) RecordCachePruned(network string, count int) {
	m.cachePrunedTotal.WithLabelValues(network).Add(float64(count))
}

// RecordWatcherChange records a change in active account subscriptions.
func (m *Metrics) RecordWatcherChange(delta float64) {
	m.watchersActive.Add(delta)
}

// RecordNotification records the outcome of an account-change notification.
func (m *Metrics) RecordNotification(outcome string) {
	m.notificationsReceived.WithLabelValues(outcome).Inc()
}

// Workflow metric helpers

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, merchant string, duration float64) {
	m.syncActivityDuration.WithLabelValues(activity, merchant).Observe(duration)
}

// Cache store metric helpers

// RecordStoreQuery records a cache store query with duration.
func (m *Metrics) RecordStoreQuery(backend, operation string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.storeQueryDuration.WithLabelValues(backend, operation).Observe(duration)
	m.storeOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(merchant string, delta float64) {
	m.sseActiveConnections.WithLabelValues(merchant).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(merchant, eventType string) {
	m.sseEventsSent.WithLabelValues(merchant, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
