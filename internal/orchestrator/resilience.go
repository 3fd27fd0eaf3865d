package orchestrator

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/conductor/internal/failure"
)

// RetryConfig configures the exponential delay between attempts after
// retryable failures.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 5s)
	MaxInterval         time.Duration // Maximum retry interval (default 5m)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     5 * time.Second,
		MaxInterval:         5 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// retryDelays hands out the wait before the next attempt. Consecutive
// retryable failures back off exponentially; a success resets the sequence.
type retryDelays struct {
	policy *backoff.ExponentialBackOff
	max    time.Duration
}

func newRetryDelays(cfg RetryConfig) *retryDelays {
	def := DefaultRetryConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = max(def.MaxInterval, cfg.InitialInterval)
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.RandomizationFactor < 0 || cfg.RandomizationFactor > 1 {
		cfg.RandomizationFactor = def.RandomizationFactor
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor
	policy.MaxElapsedTime = 0 // Retries are bounded per task, not by wall time
	policy.Reset()

	return &retryDelays{policy: policy, max: cfg.MaxInterval}
}

// Next returns how long to wait before the next attempt. Non-retryable
// failures retry immediately; a retry-after hint longer than the backoff wins.
func (d *retryDelays) Next(c failure.Classification) time.Duration {
	if !c.Retryable {
		return 0
	}
	delay := d.policy.NextBackOff()
	if delay == backoff.Stop {
		delay = d.max
	}
	if c.RetryAfter > delay {
		delay = c.RetryAfter
	}
	return delay
}

// Reset restarts the backoff sequence.
func (d *retryDelays) Reset() {
	d.policy.Reset()
}
