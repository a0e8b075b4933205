package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/brojonat/solpos/service/config"
	"github.com/brojonat/solpos/service/history"
	"github.com/brojonat/solpos/service/metrics"
	"github.com/brojonat/solpos/service/program"
	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/brojonat/solpos/service/txbuilder"
	"github.com/brojonat/solpos/service/txerror"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB, a serialized transaction is at most 1232 bytes
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// transactionRequestMetadata is the GET response wallets display before
// POSTing for the transaction.
type transactionRequestMetadata struct {
	Label string `json:"label"`
	Icon  string `json:"icon"`
}

// handleTransactionMetadata returns a handler for the GET half of a transaction request.
// GET /api/{action}
func handleTransactionMetadata(meta transactionRequestMetadata) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, meta, http.StatusOK)
	})
}

// queryParams reads typed query parameters, keeping the first error.
type queryParams struct {
	values url.Values
	err    error
}

func newQueryParams(r *http.Request) *queryParams {
	return &queryParams{values: r.URL.Query()}
}

func (p *queryParams) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

// key parses a required public key parameter.
func (p *queryParams) key(name string) solanago.PublicKey {
	pk, err := parsePublicKey(name, p.values.Get(name))
	if err != nil {
		p.fail(err)
	}
	return pk
}

// amount parses a required positive decimal amount.
func (p *queryParams) amount() decimal.Decimal {
	raw := p.values.Get("amount")
	if raw == "" {
		p.fail(errorf("amount is required"))
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		p.fail(errorf("invalid amount: must be a decimal number"))
		return decimal.Zero
	}
	if !amount.IsPositive() {
		p.fail(errorf("amount must be positive"))
	}
	return amount
}

// signature parses a required transaction signature parameter.
func (p *queryParams) signature(name string) solanago.Signature {
	raw := p.values.Get(name)
	if raw == "" {
		p.fail(errorf("%s is required", name))
		return solanago.Signature{}
	}
	sig, err := solanago.SignatureFromBase58(raw)
	if err != nil {
		p.fail(errorf("invalid %s: not a transaction signature", name))
	}
	return sig
}

// network returns the network parameter, defaulting to mainnet.
func (p *queryParams) network() string {
	network := p.values.Get("network")
	if network == "" {
		return config.NetworkMainnet
	}
	if err := validateNetwork(network); err != nil {
		p.fail(err)
	}
	return network
}

func (p *queryParams) get(name string) string {
	return p.values.Get(name)
}

// decodeAccount reads the transaction request body {"account": "<pubkey>"}.
func decodeAccount(w http.ResponseWriter, r *http.Request) (solanago.PublicKey, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req struct {
		Account string `json:"account"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if strings.Contains(err.Error(), "http: request body too large") {
			return solanago.PublicKey{}, errorf("request body too large: maximum size is 1MB")
		}
		return solanago.PublicKey{}, errorf("invalid request body: must be valid JSON")
	}
	return parsePublicKey("account", req.Account)
}

// buildHandler wraps the shared decode, build and respond flow of the POST
// transaction request routes.
func buildHandler(action string, logger *slog.Logger, build func(r *http.Request, account solanago.PublicKey, q *queryParams) (*txbuilder.Result, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, err := decodeAccount(w, r)
		if err != nil {
			logger.DebugContext(r.Context(), "invalid transaction request body", "action", action, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		q := newQueryParams(r)
		res, err := build(r, account, q)
		if q.err != nil {
			logger.DebugContext(r.Context(), "invalid transaction request params", "action", action, "error", q.err)
			writeError(w, q.err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			writeFailure(w, r, logger, action, err)
			return
		}

		logger.InfoContext(r.Context(), "transaction built",
			"action", action,
			"account", account.String(),
			"fee_payer", res.FeePayer,
			"sponsored", res.Sponsored,
			"request_id", requestID(r.Context()),
		)
		writeJSON(w, res, http.StatusOK)
	})
}

// handleBuildPayment builds a customer payment to a merchant.
// POST /api/payment?merchant=&amount=&token=&memo=&network=
func handleBuildPayment(b Builder, logger *slog.Logger) http.Handler {
	return buildHandler(txbuilder.ActionPayment, logger, func(r *http.Request, account solanago.PublicKey, q *queryParams) (*txbuilder.Result, error) {
		req := txbuilder.PaymentRequest{
			Network:  q.network(),
			Customer: account,
			Merchant: q.key("merchant"),
			Amount:   q.amount(),
			Token:    q.get("token"),
			Memo:     q.get("memo"),
		}
		if q.err != nil {
			return nil, nil
		}
		return b.BuildPayment(r.Context(), req)
	})
}

// handleBuildWithdraw builds a withdrawal from the merchant to its owner.
// POST /api/withdraw?merchant=&amount=&token=&network=
func handleBuildWithdraw(b Builder, logger *slog.Logger) http.Handler {
	return buildHandler(txbuilder.ActionWithdraw, logger, func(r *http.Request, account solanago.PublicKey, q *queryParams) (*txbuilder.Result, error) {
		req := txbuilder.WithdrawRequest{
			Network:  q.network(),
			Owner:    account,
			Merchant: q.key("merchant"),
			Amount:   q.amount(),
			Token:    q.get("token"),
		}
		if q.err != nil {
			return nil, nil
		}
		return b.BuildWithdraw(r.Context(), req)
	})
}

// handleBuildRefund builds a refund of an earlier payment.
// POST /api/refund?merchant=&recipient=&amount=&txSig=&token=&network=
func handleBuildRefund(b Builder, logger *slog.Logger) http.Handler {
	return buildHandler(txbuilder.ActionRefund, logger, func(r *http.Request, account solanago.PublicKey, q *queryParams) (*txbuilder.Result, error) {
		req := txbuilder.RefundRequest{
			Network:           q.network(),
			Owner:             account,
			Merchant:          q.key("merchant"),
			Recipient:         q.key("recipient"),
			Amount:            q.amount(),
			Token:             q.get("token"),
			OriginalSignature: q.signature("txSig"),
		}
		if q.err != nil {
			return nil, nil
		}
		return b.BuildRefund(r.Context(), req)
	})
}

// handleBuildCloseMerchant builds the close of a merchant account.
// POST /api/close-merchant?merchant=&network=
func handleBuildCloseMerchant(b Builder, logger *slog.Logger) http.Handler {
	return buildHandler(txbuilder.ActionCloseMerchant, logger, func(r *http.Request, account solanago.PublicKey, q *queryParams) (*txbuilder.Result, error) {
		req := txbuilder.CloseMerchantRequest{
			Network:  q.network(),
			Owner:    account,
			Merchant: q.key("merchant"),
		}
		if q.err != nil {
			return nil, nil
		}
		return b.BuildCloseMerchant(r.Context(), req)
	})
}

// handleBuildCreateMerchant builds the registration of a new merchant.
// POST /api/create-merchant?name=&network=
func handleBuildCreateMerchant(b Builder, logger *slog.Logger) http.Handler {
	return buildHandler(txbuilder.ActionCreateMerchant, logger, func(r *http.Request, account solanago.PublicKey, q *queryParams) (*txbuilder.Result, error) {
		req := txbuilder.CreateMerchantRequest{
			Network: q.network(),
			Owner:   account,
			Name:    q.get("name"),
		}
		if req.Name == "" {
			q.fail(errorf("name is required"))
		}
		if q.err != nil {
			return nil, nil
		}
		return b.BuildCreateMerchant(r.Context(), req)
	})
}

// handleSubmit relays a fully signed transaction.
// POST /api/submit
func handleSubmit(chains map[string]Chain, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Transaction string `json:"transaction"`
			Network     string `json:"network"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}
		if req.Network == "" {
			req.Network = config.NetworkMainnet
		}
		if err := validateNetwork(req.Network); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		chain, ok := chains[req.Network]
		if !ok {
			writeError(w, fmt.Sprintf("network %q is not configured", req.Network), http.StatusBadRequest)
			return
		}
		if req.Transaction == "" {
			writeError(w, "transaction is required", http.StatusBadRequest)
			return
		}

		tx, err := txbuilder.Decode(req.Transaction)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if missing := txbuilder.MissingSignatures(tx); len(missing) > 0 {
			signers := make([]string, len(missing))
			for i, pk := range missing {
				signers[i] = pk.String()
			}
			writeError(w, "transaction is missing signatures from "+strings.Join(signers, ", "), http.StatusBadRequest)
			return
		}

		sig, err := chain.SendTransaction(r.Context(), tx)
		if err != nil {
			if m != nil {
				m.RecordTransactionSubmitted(req.Network, "error")
			}
			writeFailure(w, r, logger, "submit", err)
			return
		}
		if m != nil {
			m.RecordTransactionSubmitted(req.Network, "success")
		}

		logger.InfoContext(r.Context(), "transaction submitted",
			"network", req.Network,
			"signature", sig.String(),
			"request_id", requestID(r.Context()),
		)
		writeJSON(w, map[string]string{"signature": sig.String()}, http.StatusOK)
	})
}

// handleGetMerchant returns the decoded merchant account.
// GET /api/merchant?merchant=&network=  or  ?owner=&name=&network=
func handleGetMerchant(p *program.Program, chains map[string]Chain, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := newQueryParams(r)
		network := q.network()

		var address solanago.PublicKey
		if q.get("merchant") == "" && q.get("owner") != "" {
			owner := q.key("owner")
			if q.err == nil {
				derived, _, err := p.MerchantAddress(owner, q.get("name"))
				if err != nil {
					q.fail(errorf("invalid name: %v", err))
				}
				address = derived
			}
		} else {
			address = q.key("merchant")
		}
		if q.err != nil {
			writeError(w, q.err.Error(), http.StatusBadRequest)
			return
		}

		chain, ok := chains[network]
		if !ok {
			writeError(w, fmt.Sprintf("network %q is not configured", network), http.StatusBadRequest)
			return
		}

		merchant, err := p.FetchMerchant(r.Context(), chain, address)
		if err != nil {
			writeFailure(w, r, logger, "merchant", err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"network":  network,
			"merchant": merchant,
		}, http.StatusOK)
	})
}

// historyResponse is the cache envelope plus what the request changed.
type historyResponse struct {
	*history.Envelope
	New      []solanasvc.Payment `json:"new,omitempty"`
	Degraded bool                `json:"degraded,omitempty"`
}

// handleGetHistory serves the merchant's payment history.
// GET /api/history?merchant=&network=&mode=cached|full|incremental|more
func handleGetHistory(h History, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := newQueryParams(r)
		merchant := q.key("merchant")
		network := q.network()
		mode := q.get("mode")
		switch mode {
		case "", history.ModeCached, history.ModeFull, history.ModeIncremental, history.ModeMore:
		default:
			q.fail(errorf("invalid mode: must be one of cached, full, incremental, more"))
		}
		if q.err != nil {
			writeError(w, q.err.Error(), http.StatusBadRequest)
			return
		}

		res, err := h.Refresh(r.Context(), merchant, network, mode)
		if err != nil {
			writeFailure(w, r, logger, "history", err)
			return
		}

		logger.DebugContext(r.Context(), "history served",
			"merchant", merchant.String(),
			"network", network,
			"mode", mode,
			"payments", len(res.Envelope.Payments),
			"new", len(res.New),
		)
		writeJSON(w, historyResponse{Envelope: res.Envelope, New: res.New, Degraded: res.Degraded}, http.StatusOK)
	})
}

// failureStatus maps known sentinel errors to HTTP statuses; zero means the
// error should be classified.
func failureStatus(err error) int {
	switch {
	case errors.Is(err, txbuilder.ErrInvalidRequest),
		errors.Is(err, txbuilder.ErrUnknownNetwork),
		errors.Is(err, history.ErrUnknownNetwork),
		errors.Is(err, solanasvc.ErrUnsupportedToken),
		errors.Is(err, solanasvc.ErrInvalidAmount),
		errors.Is(err, program.ErrInvalidMerchantName):
		return http.StatusBadRequest
	case errors.Is(err, txbuilder.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, program.ErrMerchantNotFound),
		errors.Is(err, program.ErrNotMerchantAccount),
		errors.Is(err, solanasvc.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, txbuilder.ErrBlockhashUnavailable),
		errors.Is(err, txbuilder.ErrAccountLookupFailed):
		return http.StatusServiceUnavailable
	}
	return 0
}

// writeFailure responds to an operation error: known errors keep their
// message, everything else is classified into a user-facing message.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	if status := failureStatus(err); status != 0 {
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "request failed",
			"op", op,
			"status", status,
			"error", err,
			"request_id", requestID(r.Context()),
		)
		writeError(w, err.Error(), status)
		return
	}

	c := txerror.Classify(err)
	logger.ErrorContext(r.Context(), "request failed",
		"op", op,
		"kind", c.Kind,
		"status", c.Status,
		"error", err,
		"request_id", requestID(r.Context()),
	)
	writeJSON(w, map[string]string{
		"error":  c.Message,
		"kind":   string(c.Kind),
		"detail": c.Detail,
	}, c.Status)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress validates an address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must be base58 encoded")
	}

	return nil
}

// parsePublicKey validates and decodes the named address parameter.
func parsePublicKey(name, value string) (solanago.PublicKey, error) {
	if value == "" {
		return solanago.PublicKey{}, errorf("%s is required", name)
	}
	if err := validateAddress(value); err != nil {
		return solanago.PublicKey{}, errorf("invalid %s: %v", name, err)
	}
	pk, err := solanago.PublicKeyFromBase58(value)
	if err != nil {
		return solanago.PublicKey{}, errorf("invalid %s: not a public key", name)
	}
	return pk, nil
}

// validateNetwork validates a network name.
func validateNetwork(network string) error {
	if network == "" {
		return errorf("network is required")
	}

	if network != config.NetworkMainnet && network != config.NetworkDevnet {
		return errorf("invalid network: must be 'mainnet' or 'devnet'")
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
