package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrQuotaExhausted is returned by ToolCallLimiter.Allow when the monotonic
// quota counter for a key has reached zero.
var ErrQuotaExhausted = errors.New("ratelimit: quota exhausted")

// WindowConfig parameterizes the per-(apiKey,profile) fixed-window rate
// limit and monotonic quota counter.
type WindowConfig struct {
	// Limit is the maximum number of calls allowed per window.
	Limit int
	// Window is the fixed window size; zero defaults to 60s.
	Window time.Duration
	// Quota is the total remaining calls allowed for the lifetime of the
	// counter record; zero means unlimited (quota not enforced).
	Quota int
	// FailOpen, when true, allows the call through if the backing
	// CounterStore cannot be reached or CAS retries are exhausted. The
	// default is fail-closed.
	FailOpen bool
}

func (c WindowConfig) window() time.Duration {
	if c.Window <= 0 {
		return 60 * time.Second
	}
	return c.Window
}

// Record is the persisted counter state for one (apiKeyId, profileId) key.
type Record struct {
	WindowStart     time.Time
	Count           int
	QuotaRemaining  int
	QuotaConfigured bool
	Version         int64
}

// CounterStore persists Record values with compare-and-swap semantics so
// concurrent sessions sharing a key never double-count or lose increments.
type CounterStore interface {
	// Load returns the current record for key, or ok=false if no record
	// exists yet.
	Load(ctx context.Context, key string) (rec Record, ok bool, err error)
	// CAS stores next for key iff the store's current version equals
	// expectedVersion (0 meaning "no record exists yet"). Returns
	// ok=false on version mismatch without error.
	CAS(ctx context.Context, key string, expectedVersion int64, next Record) (ok bool, err error)
}

// maxCASAttempts bounds the optimistic-retry loop.
const maxCASAttempts = 3

// FixedWindowLimiter implements Rate = fixed-window-counter plus
// Quota = monotonic-remaining-counter for per-tool-call admission
// control.
type FixedWindowLimiter struct {
	store CounterStore
}

// NewFixedWindowLimiter builds a FixedWindowLimiter backed by store.
func NewFixedWindowLimiter(store CounterStore) *FixedWindowLimiter {
	return &FixedWindowLimiter{store: store}
}

// Allow admits or rejects one call for key = "{apiKeyID}:{profileID}" under
// cfg. On window rollover (now >= windowStart+window) the count resets to
// 1 and the window restarts at now; otherwise the count is incremented and
// compared to cfg.Limit. The quota counter, if configured, is decremented
// independently of the window and never resets.
func (l *FixedWindowLimiter) Allow(ctx context.Context, apiKeyID, profileID string, cfg WindowConfig) (RateLimitResult, error) {
	key := apiKeyID + ":" + profileID

	var lastErr error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, existed, err := l.store.Load(ctx, key)
		if err != nil {
			lastErr = err
			continue
		}

		now := time.Now().UTC()
		next := cur
		expectedVersion := int64(0)
		if existed {
			expectedVersion = cur.Version
		} else {
			next = Record{WindowStart: now, QuotaRemaining: cfg.Quota, QuotaConfigured: cfg.Quota > 0}
		}

		if !next.WindowStart.Add(cfg.window()).After(now) {
			next.WindowStart = now
			next.Count = 0
		}
		next.Count++
		next.Version = cur.Version + 1

		if next.QuotaConfigured && next.QuotaRemaining <= 0 {
			return RateLimitResult{Allowed: false, Remaining: 0, ResetAfter: next.WindowStart.Add(cfg.window()).Sub(now)}, ErrQuotaExhausted
		}

		overLimit := cfg.Limit > 0 && next.Count > cfg.Limit
		if !overLimit && next.QuotaConfigured {
			next.QuotaRemaining--
		}

		ok, err := l.store.CAS(ctx, key, expectedVersion, next)
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			// Lost the race with a concurrent consumer; reload and retry.
			continue
		}

		if overLimit {
			return RateLimitResult{
				Allowed:    false,
				Remaining:  0,
				RetryAfter: next.WindowStart.Add(cfg.window()).Sub(now),
				ResetAfter: next.WindowStart.Add(cfg.window()).Sub(now),
			}, nil
		}

		remaining := cfg.Limit - next.Count
		if remaining < 0 {
			remaining = 0
		}
		return RateLimitResult{
			Allowed:    true,
			Remaining:  remaining,
			ResetAfter: next.WindowStart.Add(cfg.window()).Sub(now),
		}, nil
	}

	if cfg.FailOpen {
		return RateLimitResult{Allowed: true}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("ratelimit: exhausted CAS retries")
	}
	return RateLimitResult{Allowed: false}, lastErr
}
