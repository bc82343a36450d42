package dispatch

import (
	"math"
	"math/rand"
	"time"

	"github.com/ignite/email-events/internal/config"
)

// Backoff returns the delay before the retry that follows attempt number
// `attempt` (1-based). Exponential from the base, capped, then jittered
// ± the configured fraction. The schedule is a function of the attempt
// number only, never of wall-clock drift.
func Backoff(cfg config.DeliveryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(cfg.BackoffBase()) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cap := float64(cfg.BackoffCap()); delay > cap {
		delay = cap
	}

	// Symmetric jitter keeps a thundering herd of retries spread out.
	jitter := 1 + cfg.BackoffJitterFraction*(2*rand.Float64()-1)
	return time.Duration(delay * jitter)
}
