package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aristath/conductor/internal/failure"
)

func TestRetryDelays_NonRetryableIsImmediate(t *testing.T) {
	d := newRetryDelays(RetryConfig{InitialInterval: time.Second, MaxInterval: time.Minute, Multiplier: 2})
	assert.Zero(t, d.Next(failure.Classification{Kind: failure.KindExecution}))
}

func TestRetryDelays_BacksOffAndResets(t *testing.T) {
	d := newRetryDelays(RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         time.Second,
		Multiplier:          2,
		RandomizationFactor: 0,
	})
	network := failure.Classification{Kind: failure.KindNetwork, Retryable: true}

	assert.Equal(t, 100*time.Millisecond, d.Next(network))
	assert.Equal(t, 200*time.Millisecond, d.Next(network))
	assert.Equal(t, 400*time.Millisecond, d.Next(network))
	assert.Equal(t, 800*time.Millisecond, d.Next(network))
	assert.Equal(t, time.Second, d.Next(network), "capped at max interval")

	d.Reset()
	assert.Equal(t, 100*time.Millisecond, d.Next(network))
}

func TestRetryDelays_RetryAfterWins(t *testing.T) {
	d := newRetryDelays(RetryConfig{InitialInterval: 10 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2, RandomizationFactor: 0})

	c := failure.Classification{Kind: failure.KindTimeout, Retryable: true, RetryAfter: 30 * time.Second}
	assert.Equal(t, 30*time.Second, d.Next(c))

	c.RetryAfter = time.Millisecond
	assert.Equal(t, 20*time.Millisecond, d.Next(c), "shorter hint does not shorten the backoff")
}

func TestRetryDelays_Defaults(t *testing.T) {
	d := newRetryDelays(RetryConfig{RandomizationFactor: 0})
	c := failure.Classification{Kind: failure.KindNetwork, Retryable: true}
	assert.Equal(t, DefaultRetryConfig().InitialInterval, d.Next(c))
}
