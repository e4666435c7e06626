package broker

import (
	"testing"
	"time"

	"github.com/modulegate/gateway/internal/domain/toolsource"
)

func TestToolPolicy_RetryableRespectsNonRetryableSet(t *testing.T) {
	p := ToolPolicy{NonRetryableErrorKinds: map[toolsource.ErrorKind]bool{toolsource.ErrorKindAuth: true}}

	if p.Retryable(toolsource.ErrorKindAuth) {
		t.Error("Auth should not be retryable")
	}
	if !p.Retryable(toolsource.ErrorKindTimeout) {
		t.Error("Timeout should be retryable by default")
	}
}

func TestToolPolicy_BackoffDelayCapsAtMaximum(t *testing.T) {
	p := ToolPolicy{
		InitialInterval:    25 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    2 * time.Second,
	}

	for attempt := 1; attempt <= 10; attempt++ {
		d := p.BackoffDelay(attempt)
		if d > p.MaximumInterval {
			t.Errorf("attempt %d: delay %s exceeds maximum %s", attempt, d, p.MaximumInterval)
		}
		if d < 0 {
			t.Errorf("attempt %d: negative delay %s", attempt, d)
		}
	}
}

func TestToolPolicy_EffectiveTimeoutTakesMinimum(t *testing.T) {
	cases := []struct {
		name           string
		policyTimeout  time.Duration
		profileTimeout time.Duration
		want           time.Duration
	}{
		{"both unset uses default", 0, 0, DefaultToolCallTimeout},
		{"policy tighter than default", 30 * time.Second, 0, 30 * time.Second},
		{"profile tighter than policy", 30 * time.Second, 10 * time.Second, 10 * time.Second},
		{"policy tighter than profile", 5 * time.Second, 10 * time.Second, 5 * time.Second},
		{"looser than default is clamped", 300 * time.Second, 0, DefaultToolCallTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := ToolPolicy{Timeout: tc.policyTimeout}
			if got := p.EffectiveTimeout(tc.profileTimeout); got != tc.want {
				t.Errorf("EffectiveTimeout = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestToolPolicy_BackoffDelayGrowsWithAttempt(t *testing.T) {
	p := ToolPolicy{
		InitialInterval:    100 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
	}

	// Jitter is [0.5, 1.0], so attempt 3's floor (coefficient^2 * initial *
	// 0.5) exceeds attempt 1's ceiling (initial * 1.0) for a coefficient of 2.
	d1 := p.BackoffDelay(1)
	d3 := p.BackoffDelay(3)
	d3Floor := time.Duration(float64(p.InitialInterval) * 4 * 0.5)
	if d1 > p.InitialInterval {
		t.Errorf("attempt 1 delay %s should not exceed initial interval ceiling %s", d1, p.InitialInterval)
	}
	if d3 < d3Floor {
		t.Errorf("attempt 3 delay %s below expected floor %s", d3, d3Floor)
	}
}
