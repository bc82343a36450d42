package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/email-events/internal/config"
)

func backoffConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		BackoffBaseSeconds:    30,
		BackoffFactor:         2,
		BackoffCapSeconds:     3600,
		BackoffJitterFraction: 0.2,
	}
}

func TestBackoff_ExponentialWithinJitterBounds(t *testing.T) {
	cfg := backoffConfig()

	tests := []struct {
		attempt int
		nominal time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
	}

	for _, tt := range tests {
		lo := time.Duration(float64(tt.nominal) * 0.8)
		hi := time.Duration(float64(tt.nominal) * 1.2)
		for i := 0; i < 50; i++ {
			d := Backoff(cfg, tt.attempt)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", tt.attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", tt.attempt)
		}
	}
}

func TestBackoff_Capped(t *testing.T) {
	cfg := backoffConfig()

	// Attempt 20 is way past the cap; jitter applies to the capped value.
	d := Backoff(cfg, 20)
	assert.LessOrEqual(t, d, time.Duration(float64(time.Hour)*1.2))
	assert.GreaterOrEqual(t, d, time.Duration(float64(time.Hour)*0.8))
}

func TestBackoff_NoJitter(t *testing.T) {
	cfg := backoffConfig()
	cfg.BackoffJitterFraction = 0

	assert.Equal(t, 30*time.Second, Backoff(cfg, 1))
	assert.Equal(t, 60*time.Second, Backoff(cfg, 2))
	assert.Equal(t, time.Hour, Backoff(cfg, 10))
}

func TestBackoff_ClampsBadAttempt(t *testing.T) {
	cfg := backoffConfig()
	cfg.BackoffJitterFraction = 0

	assert.Equal(t, 30*time.Second, Backoff(cfg, 0))
	assert.Equal(t, 30*time.Second, Backoff(cfg, -3))
}
