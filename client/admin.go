package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// FeePayer is the sponsorship status of one network's server key.
type FeePayer struct {
	Network    string `json:"network"`
	Configured bool   `json:"configured"`
	PublicKey  string `json:"public_key,omitempty"`
	Balance    uint64 `json:"balance_lamports"`
	MinBalance uint64 `json:"min_balance_lamports"`
	CanSponsor bool   `json:"can_sponsor"`
	Error      string `json:"error,omitempty"`
}

// Schedule is a merchant's recurring history sync.
type Schedule struct {
	Merchant string `json:"merchant"`
	Network  string `json:"network"`
	Interval string `json:"interval"`
}

func (c *Client) admin(ctx context.Context, token, method, path string, query url.Values, body interface{}, want int, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, want, out)
}

// FeePayers reports the fee payer of every network. Requires the admin secret.
func (c *Client) FeePayers(ctx context.Context, token string) ([]FeePayer, error) {
	var resp struct {
		FeePayers []FeePayer `json:"fee_payers"`
	}
	if err := c.admin(ctx, token, http.MethodGet, "/api/admin/fee-payer", nil, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.FeePayers, nil
}

// UpsertSchedule creates or updates a merchant's history sync schedule. A zero
// interval uses the server default.
func (c *Client) UpsertSchedule(ctx context.Context, token, merchant, network string, interval time.Duration) (*Schedule, error) {
	body := Schedule{Merchant: merchant, Network: network}
	if interval > 0 {
		body.Interval = interval.String()
	}

	var s Schedule
	if err := c.admin(ctx, token, http.MethodPost, "/api/admin/history/schedules", nil, body, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSchedule removes a merchant's history sync schedule.
func (c *Client) DeleteSchedule(ctx context.Context, token, merchant, network string) error {
	q := url.Values{"merchant": {merchant}, "network": {network}}
	return c.admin(ctx, token, http.MethodDelete, "/api/admin/history/schedules", q, nil, http.StatusNoContent, nil)
}
