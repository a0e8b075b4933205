package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeePayers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/admin/fee-payer", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid admin credentials"})
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"fee_payers": []map[string]interface{}{
				{"network": "devnet", "configured": true, "balance_lamports": 9000000, "min_balance_lamports": 5000000, "can_sponsor": true},
				{"network": "mainnet", "configured": false, "min_balance_lamports": 5000000},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	payers, err := client.FeePayers(context.Background(), "s3cret")
	require.NoError(t, err)
	require.Len(t, payers, 2)
	assert.Equal(t, "devnet", payers[0].Network)
	assert.True(t, payers[0].CanSponsor)
	assert.Equal(t, uint64(9000000), payers[0].Balance)
	assert.False(t, payers[1].Configured)

	_, err = client.FeePayers(context.Background(), "wrong")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestUpsertSchedule(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/admin/history/schedules", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))

		var body Schedule
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "merchant123", body.Merchant)
		assert.Equal(t, "devnet", body.Network)
		assert.Equal(t, "5m0s", body.Interval)

		json.NewEncoder(w).Encode(body)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	s, err := client.UpsertSchedule(context.Background(), "s3cret", "merchant123", "devnet", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "5m0s", s.Interval)
}

func TestDeleteSchedule(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DELETE", r.Method)
		assert.Equal(t, "merchant123", r.URL.Query().Get("merchant"))
		assert.Equal(t, "mainnet", r.URL.Query().Get("network"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	require.NoError(t, client.DeleteSchedule(context.Background(), "s3cret", "merchant123", "mainnet"))
}
