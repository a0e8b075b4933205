// Package history maintains a bounded, incrementally refreshed cache of the
// payments received by a merchant, reconstructed from chain history.
package history

import (
	"time"

	"github.com/brojonat/solpos/service/config"
	solanasvc "github.com/brojonat/solpos/service/solana"
)

// CacheVersion is bumped when the envelope layout changes; envelopes with any
// other version are discarded on load.
const CacheVersion = 1

const keyPrefix = "payment_cache_"

// Key is the cache key for a merchant on a network.
func Key(merchant, network string) string {
	return keyPrefix + merchant + "_" + network
}

// Envelope is the cached payment list plus its bookkeeping.
type Envelope struct {
	Merchant    string              `json:"merchant"`
	Network     string              `json:"network"`
	Payments    []solanasvc.Payment `json:"payments"` // newest first
	LastUpdated time.Time           `json:"last_updated"`
	CacheExpiry time.Time           `json:"cache_expiry"`
	Version     int                 `json:"version"`

	// Cursors over every signature scanned, payments or not, so refreshes
	// do not rescan unrelated transactions.
	NewestSignature string `json:"newest_signature,omitempty"`
	OldestSignature string `json:"oldest_signature,omitempty"`
	HasMore         bool   `json:"has_more"`
}

// Expired reports whether the envelope is past its expiry at now.
func (e *Envelope) Expired(now time.Time) bool {
	return !now.Before(e.CacheExpiry)
}

// newestCursor returns the signature incremental refreshes start after.
func (e *Envelope) newestCursor() string {
	if e.NewestSignature != "" {
		return e.NewestSignature
	}
	if len(e.Payments) > 0 {
		return e.Payments[0].Signature
	}
	return ""
}

// oldestCursor returns the signature backward pagination starts before.
func (e *Envelope) oldestCursor() string {
	if e.OldestSignature != "" {
		return e.OldestSignature
	}
	if len(e.Payments) > 0 {
		return e.Payments[len(e.Payments)-1].Signature
	}
	return ""
}

func (e *Envelope) clone() *Envelope {
	cp := *e
	cp.Payments = append([]solanasvc.Payment(nil), e.Payments...)
	return &cp
}

// Limits bound the cached list.
type Limits struct {
	MaxPayments int
	PruneTarget int
	MinRecent   int
	MaxAge      time.Duration
}

func LimitsFromConfig(h config.HistoryConfig) Limits {
	return Limits{
		MaxPayments: h.MaxPayments,
		PruneTarget: h.PruneTarget,
		MinRecent:   h.MinRecent,
		MaxAge:      h.MaxAge,
	}
}

// Prune bounds a newest-first list. Lists at or under MaxPayments are left
// alone. Otherwise entries older than MaxAge are dropped unless fewer than
// MinRecent would remain, in which case the newest MinRecent are kept; the
// result is then truncated to PruneTarget. Pruning a pruned list is a no-op
// as long as MinRecent <= PruneTarget <= MaxPayments.
func Prune(payments []solanasvc.Payment, now time.Time, limits Limits) []solanasvc.Payment {
	if len(payments) <= limits.MaxPayments {
		return payments
	}

	cutoff := now.Add(-limits.MaxAge)
	kept := make([]solanasvc.Payment, 0, len(payments))
	for _, p := range payments {
		if !p.Timestamp.Before(cutoff) {
			kept = append(kept, p)
		}
	}

	if len(kept) < limits.MinRecent {
		n := min(limits.MinRecent, len(payments))
		kept = append(kept[:0], payments[:n]...)
	}
	if len(kept) > limits.PruneTarget {
		kept = kept[:limits.PruneTarget]
	}
	return kept
}

// MergeNewer puts fresh payments ahead of existing ones, dropping any
// signature already present.
func MergeNewer(existing, fresh []solanasvc.Payment) []solanasvc.Payment {
	return concatUnique(fresh, existing)
}

// AppendOlder adds older payments after existing ones, dropping duplicates.
func AppendOlder(existing, older []solanasvc.Payment) []solanasvc.Payment {
	return concatUnique(existing, older)
}

func concatUnique(first, second []solanasvc.Payment) []solanasvc.Payment {
	seen := make(map[string]struct{}, len(first)+len(second))
	out := make([]solanasvc.Payment, 0, len(first)+len(second))
	for _, list := range [][]solanasvc.Payment{first, second} {
		for _, p := range list {
			if _, dup := seen[p.Signature]; dup {
				continue
			}
			seen[p.Signature] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
