package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyText(t *testing.T) {
	tests := []struct {
		text      string
		want      Kind
		retryable bool
	}{
		{"Error: 401 Unauthorized", KindAuthentication, false},
		{"Invalid API key provided", KindAuthentication, false},
		{"You exceeded your current quota, please check your plan", KindQuotaExhausted, false},
		{"Your credit balance is too low", KindQuotaExhausted, false},
		{"HTTP 429 Too Many Requests", KindRateLimit, true},
		{"API is overloaded", KindRateLimit, true},
		{"prompt is too long: 210000 tokens > 200000 maximum", KindContextLength, false},
		{"operation cancelled by user", KindCancellation, false},
		{"request aborted", KindAbort, false},
		{"read tcp: i/o timeout", KindTimeout, true},
		{"dial tcp 10.0.0.1:443: connect: connection refused", KindNetwork, true},
		{"sh: 1: npm: command not found", KindToolError, false},
		{"panic: runtime error: index out of range", KindExecution, false},
		{"Error: build failed", KindExecution, false},
		{"all good", KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			c := ClassifyText(tt.text)
			assert.Equal(t, tt.want, c.Kind)
			assert.Equal(t, tt.retryable, c.Retryable)
		})
	}
}

func TestClassify_Typed(t *testing.T) {
	wrapped := fmt.Errorf("worker: %w", &Error{Kind: KindQuotaExhausted, Message: "monthly cap", RetryAfter: time.Minute})
	c := Classify(wrapped)
	assert.Equal(t, KindQuotaExhausted, c.Kind)
	assert.False(t, c.Retryable)
	assert.Equal(t, time.Minute, c.RetryAfter)

	assert.Equal(t, KindCancellation, Classify(context.Canceled).Kind)
	assert.Equal(t, KindTimeout, Classify(fmt.Errorf("run: %w", context.DeadlineExceeded)).Kind)
	assert.Equal(t, KindToolError, Classify(&exec.Error{Name: "codex", Err: exec.ErrNotFound}).Kind)

	var dnsErr error = &net.DNSError{Err: "lookup failed", Name: "api.example.com", IsTimeout: false}
	assert.Equal(t, KindNetwork, Classify(dnsErr).Kind)
	assert.Equal(t, KindUnknown, Classify(nil).Kind)
}

func TestClassify_WrappedKeepsCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(KindNetwork, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "network: socket closed", err.Error())
	assert.True(t, Classify(err).Retryable)
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		text string
		want time.Duration
	}{
		{"Retry-After: 30", 30 * time.Second},
		{`{"retry_after": 12}`, 12 * time.Second},
		{"rate limited, please try again in 2 minutes", 2 * time.Minute},
		{"retrying in 500ms", 500 * time.Millisecond},
		{"try again in 1.5s", 1500 * time.Millisecond},
		{"no hint here", 0},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRetryAfter(tt.text))
		})
	}
}

func TestKindJSON(t *testing.T) {
	data, err := json.Marshal(Record{Kind: KindRateLimit})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"rate_limit"`)

	var r Record
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"meteor_strike"}`), &r))
}
