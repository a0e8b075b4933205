package server

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/brojonat/solpos/service/feepayer"
	"github.com/brojonat/solpos/service/temporal"
)

const (
	minSyncInterval = 10 * time.Second
	maxSyncInterval = 24 * time.Hour
)

// requireAdmin rejects requests without "Authorization: Bearer <secret>".
func requireAdmin(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				writeError(w, "missing admin credentials", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				writeError(w, "invalid admin credentials", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleFeePayerStatus reports each network's sponsor.
// GET /api/admin/fee-payer
func handleFeePayerStatus(sponsors map[string]*feepayer.Sponsor, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		networks := make([]string, 0, len(sponsors))
		for network := range sponsors {
			networks = append(networks, network)
		}
		sort.Strings(networks)

		statuses := make([]feepayer.Status, 0, len(networks))
		for _, network := range networks {
			st := sponsors[network].Status(r.Context())
			if st.Error != "" {
				logger.WarnContext(r.Context(), "fee payer balance unavailable", "network", network, "error", st.Error)
			}
			statuses = append(statuses, st)
		}
		writeJSON(w, map[string]interface{}{"fee_payers": statuses}, http.StatusOK)
	})
}

// handleUpsertSchedule creates or updates a merchant's history sync schedule.
// POST /api/admin/history/schedules
func handleUpsertSchedule(scheduler temporal.Scheduler, defaultInterval time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Merchant string `json:"merchant"`
			Network  string `json:"network"`
			Interval string `json:"interval"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if _, err := parsePublicKey("merchant", req.Merchant); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateNetwork(req.Network); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		interval := defaultInterval
		if req.Interval != "" {
			parsed, err := time.ParseDuration(req.Interval)
			if err != nil {
				writeError(w, "invalid interval: must be a duration like 30s or 5m", http.StatusBadRequest)
				return
			}
			interval = parsed
		}
		if err := validateSyncInterval(interval); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := scheduler.UpsertHistorySchedule(r.Context(), req.Merchant, req.Network, interval); err != nil {
			logger.ErrorContext(r.Context(), "failed to upsert schedule",
				"merchant", req.Merchant,
				"network", req.Network,
				"error", err,
			)
			writeError(w, "failed to create schedule", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "history schedule upserted",
			"merchant", req.Merchant,
			"network", req.Network,
			"interval", interval,
		)
		writeJSON(w, map[string]string{
			"merchant": req.Merchant,
			"network":  req.Network,
			"interval": interval.String(),
		}, http.StatusOK)
	})
}

// handleDeleteSchedule removes a merchant's history sync schedule.
// DELETE /api/admin/history/schedules?merchant=&network=
func handleDeleteSchedule(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := newQueryParams(r)
		merchant := q.key("merchant")
		network := q.get("network")
		if q.err == nil {
			if err := validateNetwork(network); err != nil {
				q.fail(err)
			}
		}
		if q.err != nil {
			writeError(w, q.err.Error(), http.StatusBadRequest)
			return
		}

		if err := scheduler.DeleteHistorySchedule(r.Context(), merchant.String(), network); err != nil {
			logger.ErrorContext(r.Context(), "failed to delete schedule",
				"merchant", merchant.String(),
				"network", network,
				"error", err,
			)
			writeError(w, "failed to delete schedule", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "history schedule deleted", "merchant", merchant.String(), "network", network)
		w.WriteHeader(http.StatusNoContent)
	})
}

// validateSyncInterval validates a sync interval for reasonable bounds.
func validateSyncInterval(interval time.Duration) error {
	if interval < minSyncInterval {
		return errorf("interval must be at least %v", minSyncInterval)
	}
	if interval > maxSyncInterval {
		return errorf("interval cannot exceed %v", maxSyncInterval)
	}
	return nil
}
