package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Payment is a confirmed token payment to a merchant.
type Payment struct {
	Signature string          `json:"signature"`
	Amount    decimal.Decimal `json:"amount"`
	RawAmount uint64          `json:"raw_amount"`
	Mint      string          `json:"mint"`
	Memo      *string         `json:"memo"`
	Timestamp time.Time       `json:"timestamp"`
	Sender    string          `json:"sender"`
	Slot      uint64          `json:"slot"`
}

// History is a merchant's cached payment history.
type History struct {
	Merchant        string    `json:"merchant"`
	Network         string    `json:"network"`
	Payments        []Payment `json:"payments"`
	LastUpdated     time.Time `json:"last_updated"`
	CacheExpiry     time.Time `json:"cache_expiry"`
	Version         int       `json:"version"`
	NewestSignature string    `json:"newest_signature,omitempty"`
	OldestSignature string    `json:"oldest_signature,omitempty"`
	HasMore         bool      `json:"has_more"`
	New             []Payment `json:"new,omitempty"`
	Degraded        bool      `json:"degraded,omitempty"`
}

// Merchant is the decoded on-chain merchant account.
type Merchant struct {
	Address        string `json:"address"`
	Owner          string `json:"owner"`
	Name           string `json:"name"`
	TotalWithdrawn uint64 `json:"total_withdrawn"`
	TotalRefunded  uint64 `json:"total_refunded"`
	FeeEligible    bool   `json:"fee_eligible"`
	Bump           uint8  `json:"bump"`
}

// Transaction is a built transaction awaiting the requester's signature.
type Transaction struct {
	Transaction     string   `json:"transaction"`
	Message         string   `json:"message"`
	FeePayer        string   `json:"fee_payer"`
	Sponsored       bool     `json:"sponsored"`
	CreatedAccounts []string `json:"created_accounts,omitempty"`
}

// PaymentParams describes a payment to build.
type PaymentParams struct {
	Network  string
	Customer string
	Merchant string
	Amount   string
	Token    string
	Memo     string
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("request failed (%d %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// Client is the HTTP client for the point-of-sale API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new API client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// do sends the request and decodes a JSON response into out when the status
// matches want.
func (c *Client) do(req *http.Request, want int, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, http.StatusOK, out)
}

func (c *Client) post(ctx context.Context, path string, query url.Values, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, http.StatusOK, out)
}

// History fetches a merchant's payment history. mode is one of cached, full,
// incremental or more; empty means cached.
func (c *Client) History(ctx context.Context, merchant, network, mode string) (*History, error) {
	q := url.Values{"merchant": {merchant}}
	if network != "" {
		q.Set("network", network)
	}
	if mode != "" {
		q.Set("mode", mode)
	}

	var h History
	if err := c.get(ctx, "/api/history", q, &h); err != nil {
		return nil, err
	}
	c.logger.Debug("history fetched", "merchant", merchant, "payments", len(h.Payments), "new", len(h.New))
	return &h, nil
}

// Merchant fetches a merchant account by address.
func (c *Client) Merchant(ctx context.Context, merchant, network string) (*Merchant, error) {
	q := url.Values{"merchant": {merchant}}
	if network != "" {
		q.Set("network", network)
	}

	var resp struct {
		Merchant *Merchant `json:"merchant"`
	}
	if err := c.get(ctx, "/api/merchant", q, &resp); err != nil {
		return nil, err
	}
	if resp.Merchant == nil {
		return nil, errors.New("response did not include a merchant")
	}
	return resp.Merchant, nil
}

// BuildPayment asks the server for a payment transaction for the customer to sign.
func (c *Client) BuildPayment(ctx context.Context, p PaymentParams) (*Transaction, error) {
	q := url.Values{
		"merchant": {p.Merchant},
		"amount":   {p.Amount},
	}
	for k, v := range map[string]string{"network": p.Network, "token": p.Token, "memo": p.Memo} {
		if v != "" {
			q.Set(k, v)
		}
	}

	var tx Transaction
	if err := c.post(ctx, "/api/payment", q, map[string]string{"account": p.Customer}, &tx); err != nil {
		return nil, err
	}
	c.logger.Debug("payment built", "merchant", p.Merchant, "fee_payer", tx.FeePayer, "sponsored", tx.Sponsored)
	return &tx, nil
}

// Submit relays a fully signed base64 transaction and returns its signature.
func (c *Client) Submit(ctx context.Context, transaction, network string) (string, error) {
	var resp struct {
		Signature string `json:"signature"`
	}
	body := map[string]string{"transaction": transaction, "network": network}
	if err := c.post(ctx, "/api/submit", nil, body, &resp); err != nil {
		return "", err
	}
	return resp.Signature, nil
}

// Health reports whether the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, http.StatusOK, nil)
}

// AwaitPayment streams the merchant's incoming payments and returns the first
// one matcher accepts. It blocks until a match, ctx is done or the stream ends.
func (c *Client) AwaitPayment(ctx context.Context, merchant, network string, matcher func(*Payment) bool) (*Payment, error) {
	u := fmt.Sprintf("%s/api/stream/payments/%s", c.baseURL, url.PathEscape(merchant))
	if network != "" {
		u += "?network=" + url.QueryEscape(network)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The shared client's timeout would cut the stream.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == "payment":
			var p Payment
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p); err != nil {
				c.logger.Warn("failed to decode payment event", "error", err)
				continue
			}
			if matcher == nil || matcher(&p) {
				return &p, nil
			}
			c.logger.Debug("payment did not match", "signature", p.Signature)
		case line == "":
			event = ""
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return nil, errors.New("stream closed before a matching payment arrived")
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error  string `json:"error"`
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    errResp.Error,
		Kind:       errResp.Kind,
		Detail:     errResp.Detail,
	}
}
