package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/solpos/service/config"
	"github.com/brojonat/solpos/service/feepayer"
	"github.com/brojonat/solpos/service/history"
	"github.com/brojonat/solpos/service/metrics"
	"github.com/brojonat/solpos/service/program"
	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/brojonat/solpos/service/temporal"
	"github.com/brojonat/solpos/service/txbuilder"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Builder assembles transactions. *txbuilder.Builder implements it.
type Builder interface {
	BuildPayment(ctx context.Context, req txbuilder.PaymentRequest) (*txbuilder.Result, error)
	BuildWithdraw(ctx context.Context, req txbuilder.WithdrawRequest) (*txbuilder.Result, error)
	BuildRefund(ctx context.Context, req txbuilder.RefundRequest) (*txbuilder.Result, error)
	BuildCloseMerchant(ctx context.Context, req txbuilder.CloseMerchantRequest) (*txbuilder.Result, error)
	BuildCreateMerchant(ctx context.Context, req txbuilder.CreateMerchantRequest) (*txbuilder.Result, error)
}

// History serves cached payment history. *history.Reconciler implements it.
type History interface {
	Refresh(ctx context.Context, merchant solana.PublicKey, network, mode string) (*history.Result, error)
}

// Chain is the per-network RPC surface used outside the builder.
// *solana.Client implements it.
type Chain interface {
	program.AccountReader
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// Watcher hands out live payment notifications. *history.Watcher implements it.
type Watcher interface {
	Watch(merchant solana.PublicKey, network string) (<-chan []solanasvc.Payment, func(), error)
}

// Deps are the collaborators the server routes to. Watcher, Stream,
// Scheduler and Metrics are optional.
type Deps struct {
	Program   *program.Program
	Builder   Builder
	History   History
	Chains    map[string]Chain
	Sponsors  map[string]*feepayer.Sponsor
	Watcher   Watcher
	Stream    PaymentStream
	Scheduler temporal.Scheduler
	Metrics   *metrics.Metrics
}

// Server represents the HTTP server for the point-of-sale API.
type Server struct {
	cfg      *config.Config
	deps     Deps
	renderer *TemplateRenderer
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new HTTP server with the given dependencies.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
}

// WithTemplates adds the checkout page using embedded templates.
func (s *Server) WithTemplates() error {
	renderer, err := NewTemplateRenderer(s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize templates: %w", err)
	}
	s.renderer = renderer
	s.logger.Info("HTML templates loaded from embedded files")
	return nil
}

// route registers h under pattern with HTTP metrics labelled name.
func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.Handler) {
	mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.deps.Metrics, name)(h))
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	meta := transactionRequestMetadata{Label: s.cfg.PaymentLabel, Icon: s.cfg.PaymentIconURL}

	// Transaction request routes: GET returns wallet metadata, POST builds
	for _, action := range []string{"payment", "withdraw", "refund", "close-merchant", "create-merchant"} {
		path := "/api/" + action
		s.route(mux, "GET "+path, path, handleTransactionMetadata(meta))
	}
	s.route(mux, "POST /api/payment", "/api/payment", handleBuildPayment(s.deps.Builder, s.logger))
	s.route(mux, "POST /api/withdraw", "/api/withdraw", handleBuildWithdraw(s.deps.Builder, s.logger))
	s.route(mux, "POST /api/refund", "/api/refund", handleBuildRefund(s.deps.Builder, s.logger))
	s.route(mux, "POST /api/close-merchant", "/api/close-merchant", handleBuildCloseMerchant(s.deps.Builder, s.logger))
	s.route(mux, "POST /api/create-merchant", "/api/create-merchant", handleBuildCreateMerchant(s.deps.Builder, s.logger))

	s.route(mux, "POST /api/submit", "/api/submit", handleSubmit(s.deps.Chains, s.deps.Metrics, s.logger))
	s.route(mux, "GET /api/merchant", "/api/merchant", handleGetMerchant(s.deps.Program, s.deps.Chains, s.logger))
	s.route(mux, "GET /api/history", "/api/history", handleGetHistory(s.deps.History, s.logger))
	s.route(mux, "GET /api/payment/qr", "/api/payment/qr", handlePaymentQR(s.cfg.PublicBaseURL, s.logger))

	// SSE streaming (if a payment stream or watcher is configured)
	if s.deps.Stream != nil || s.deps.Watcher != nil {
		s.route(mux, "GET /api/stream/payments/{merchant}", "/api/stream/payments",
			handleStreamPayments(s.deps.Stream, s.deps.Watcher, s.deps.Metrics, s.logger))
		s.logger.Info("SSE streaming endpoint enabled")
	} else {
		s.logger.Warn("no payment stream configured, streaming endpoint disabled")
	}

	// Admin routes (if an admin secret is configured)
	if s.cfg.AdminSecret != "" {
		auth := requireAdmin(s.cfg.AdminSecret)
		s.route(mux, "GET /api/admin/fee-payer", "/api/admin/fee-payer",
			auth(handleFeePayerStatus(s.deps.Sponsors, s.logger)))
		if s.deps.Scheduler != nil {
			s.route(mux, "POST /api/admin/history/schedules", "/api/admin/history/schedules",
				auth(handleUpsertSchedule(s.deps.Scheduler, s.cfg.HistorySyncInterval, s.logger)))
			s.route(mux, "DELETE /api/admin/history/schedules", "/api/admin/history/schedules",
				auth(handleDeleteSchedule(s.deps.Scheduler, s.logger)))
		}
		s.logger.Info("admin endpoints enabled")
	}

	// HTML pages (if template renderer is configured)
	if s.renderer != nil {
		mux.HandleFunc("GET /checkout", handleCheckoutPage(s.renderer))
		s.logger.Info("HTML page endpoints enabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(requestIDMiddleware(mux))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.cfg.ServerAddr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: SSE responses stay open.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.cfg.ServerAddr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

// requestIDMiddleware echoes X-Request-ID, generating one when absent.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// requestID returns the id assigned by requestIDMiddleware.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
