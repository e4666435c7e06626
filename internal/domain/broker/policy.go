// Package broker holds the per-downstream-session orchestration state: the
// session state machine, in-flight route bookkeeping, and the retry policy
// applied to tool calls. The orchestration logic itself lives in
// internal/service, which is the sole mutator of a Session's maps.
package broker

import (
	"math/rand"
	"time"

	"github.com/modulegate/gateway/internal/domain/toolsource"
)

// ToolPolicy is the per-tool retry policy plus the per-call deadline
// component of the timeout formula.
type ToolPolicy struct {
	MaximumAttempts        int
	InitialInterval        time.Duration
	BackoffCoefficient     float64
	MaximumInterval        time.Duration
	NonRetryableErrorKinds map[toolsource.ErrorKind]bool
	// Timeout bounds one whole tools/call including retries; zero defers to
	// the profile-level and default deadlines (see EffectiveTimeout).
	Timeout time.Duration
}

// DefaultToolCallTimeout is the outermost per-call deadline when neither
// the tool policy nor the profile configures a tighter one.
const DefaultToolCallTimeout = 120 * time.Second

// EffectiveTimeout resolves the per-call deadline as the minimum of the
// tool policy's Timeout, the profile-level timeout, and the 120s default,
// ignoring unset (zero) values.
func (p ToolPolicy) EffectiveTimeout(profileTimeout time.Duration) time.Duration {
	deadline := DefaultToolCallTimeout
	if p.Timeout > 0 && p.Timeout < deadline {
		deadline = p.Timeout
	}
	if profileTimeout > 0 && profileTimeout < deadline {
		deadline = profileTimeout
	}
	return deadline
}

// DefaultToolPolicy applies when a tool has no configured policy: three
// attempts under a fast jittered exponential curve.
var DefaultToolPolicy = ToolPolicy{
	MaximumAttempts:    3,
	InitialInterval:    25 * time.Millisecond,
	BackoffCoefficient: 2.0,
	MaximumInterval:    2 * time.Second,
}

// Retryable reports whether kind is eligible for retry under p.
func (p ToolPolicy) Retryable(kind toolsource.ErrorKind) bool {
	return !p.NonRetryableErrorKinds[kind]
}

// BackoffDelay computes the delay before retry attempt (1-indexed):
// min(maximumInterval, initialInterval * coefficient^(attempt-1))
// multiplied by a uniform jitter in [0.5, 1.0].
func (p ToolPolicy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	coeff := p.BackoffCoefficient
	if coeff <= 0 {
		coeff = 1
	}
	delay := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		delay *= coeff
		if time.Duration(delay) > p.MaximumInterval && p.MaximumInterval > 0 {
			delay = float64(p.MaximumInterval)
			break
		}
	}
	if p.MaximumInterval > 0 && time.Duration(delay) > p.MaximumInterval {
		delay = float64(p.MaximumInterval)
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(delay * jitter)
}
