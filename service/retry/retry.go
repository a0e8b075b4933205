// Package retry is the single retry abstraction used for idempotent RPC calls:
// signature listing, transaction lookups and transaction submission.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts     int           // total attempts including the first one
	InitialInterval time.Duration // delay before the second attempt
	MaxInterval     time.Duration // cap on any single delay
	Multiplier      float64

	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsTransient.
	Retryable func(error) bool

	// OnRetry is called before sleeping, with the 1-based attempt that failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy mirrors what public RPC endpoints tolerate: 3 attempts, 1s, 2s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     8 * time.Second,
		Multiplier:      2,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts or ctx is done. The last error from op is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
	}

	return backoff.RetryNotify(operation, b, notify)
}

// IsRateLimited reports whether err looks like an HTTP 429 from the RPC provider.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit")
}

var transientFragments = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"502",
	"503",
	"504",
	"service unavailable",
	"bad gateway",
	"blockhash not found",
	"node is behind",
}

// IsTransient reports whether err is a provider-side or network failure that
// may succeed on another attempt. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsRateLimited(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, f := range transientFragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
