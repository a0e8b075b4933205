package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/history", r.URL.Path)
		assert.Equal(t, "merchant123", r.URL.Query().Get("merchant"))
		assert.Equal(t, "devnet", r.URL.Query().Get("network"))
		assert.Equal(t, "incremental", r.URL.Query().Get("mode"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"merchant":         "merchant123",
			"network":          "devnet",
			"version":          1,
			"newest_signature": "sig2",
			"has_more":         true,
			"payments": []map[string]interface{}{
				{"signature": "sig2", "amount": "1.5", "raw_amount": 1500000, "sender": "alice"},
				{"signature": "sig1", "amount": "2", "raw_amount": 2000000, "sender": "bob"},
			},
			"new": []map[string]interface{}{
				{"signature": "sig2", "amount": "1.5", "raw_amount": 1500000, "sender": "alice"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	h, err := client.History(context.Background(), "merchant123", "devnet", "incremental")
	require.NoError(t, err)

	require.Len(t, h.Payments, 2)
	assert.Equal(t, "sig2", h.NewestSignature)
	assert.True(t, h.HasMore)
	assert.True(t, decimal.RequireFromString("1.5").Equal(h.Payments[0].Amount))
	require.Len(t, h.New, 1)
}

func TestHistory_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  "Could not reach the Solana network, please try again",
			"kind":   "network",
			"detail": "dial tcp: connection refused",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.History(context.Background(), "merchant123", "", "")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "network", apiErr.Kind)
	assert.Contains(t, err.Error(), "Could not reach the Solana network")
}

func TestMerchant_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/merchant", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"network": "mainnet",
			"merchant": map[string]interface{}{
				"address":      "merchant123",
				"owner":        "owner123",
				"name":         "coffee",
				"fee_eligible": true,
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	m, err := client.Merchant(context.Background(), "merchant123", "mainnet")
	require.NoError(t, err)
	assert.Equal(t, "coffee", m.Name)
	assert.True(t, m.FeeEligible)
}

func TestMerchant_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "merchant not found"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Merchant(context.Background(), "missing", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merchant not found")
}

func TestBuildPayment_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/payment", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "merchant123", r.URL.Query().Get("merchant"))
		assert.Equal(t, "9.99", r.URL.Query().Get("amount"))
		assert.Equal(t, "order-7", r.URL.Query().Get("memo"))
		assert.Empty(t, r.URL.Query().Get("token"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "customer123", body["account"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"transaction": "AQID",
			"message":     "Network fees are covered",
			"fee_payer":   "server123",
			"sponsored":   true,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	tx, err := client.BuildPayment(context.Background(), PaymentParams{
		Customer: "customer123",
		Merchant: "merchant123",
		Amount:   "9.99",
		Memo:     "order-7",
	})
	require.NoError(t, err)
	assert.Equal(t, "AQID", tx.Transaction)
	assert.True(t, tx.Sponsored)
}

func TestSubmit_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/submit", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "AQID", body["transaction"])
		assert.Equal(t, "devnet", body["network"])
		json.NewEncoder(w).Encode(map[string]string{"signature": "sig123"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	sig, err := client.Submit(context.Background(), "AQID", "devnet")
	require.NoError(t, err)
	assert.Equal(t, "sig123", sig)
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	assert.NoError(t, NewClient(server.URL, nil, nil).Health(context.Background()))
}

func ssePayment(w http.ResponseWriter, sig, amount string) {
	data, _ := json.Marshal(map[string]interface{}{"signature": sig, "amount": amount})
	fmt.Fprintf(w, "event: payment\ndata: %s\n\n", data)
	w.(http.Flusher).Flush()
}

func TestAwaitPayment_Matching(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stream/payments/merchant123", r.URL.Path)
		assert.Equal(t, "devnet", r.URL.Query().Get("network"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: connected\ndata: {\"merchant\":\"merchant123\"}\n\n")
		fmt.Fprintf(w, ": keepalive\n\n")
		ssePayment(w, "too-small", "1")
		ssePayment(w, "match", "5")
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(server.URL, nil, nil)
	p, err := client.AwaitPayment(ctx, "merchant123", "devnet", func(p *Payment) bool {
		return p.Amount.GreaterThanOrEqual(decimal.NewFromInt(5))
	})
	require.NoError(t, err)
	assert.Equal(t, "match", p.Signature)
}

func TestAwaitPayment_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		ssePayment(w, "nope", "1")
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	client := NewClient(server.URL, nil, nil)
	_, err := client.AwaitPayment(ctx, "merchant123", "", func(p *Payment) bool { return false })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitPayment_StreamUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "failed to subscribe"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).AwaitPayment(context.Background(), "merchant123", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to subscribe")
}
