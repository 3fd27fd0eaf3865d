// Package failure classifies worker failures and trips a circuit breaker when
// they pile up.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure classes.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindCancellation   Kind = "cancellation"
	KindAbort          Kind = "abort"
	KindRateLimit      Kind = "rate_limit"
	KindQuotaExhausted Kind = "quota_exhausted"
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindContextLength  Kind = "context_length"
	KindToolError      Kind = "tool_error"
	KindExecution      Kind = "execution"
	KindUnknown        Kind = "unknown"
)

// ErrUnknownKind is returned when decoding an unrecognised kind.
var ErrUnknownKind = errors.New("unknown failure kind")

// Kinds lists every kind.
var Kinds = []Kind{
	KindAuthentication,
	KindCancellation,
	KindAbort,
	KindRateLimit,
	KindQuotaExhausted,
	KindNetwork,
	KindTimeout,
	KindContextLength,
	KindToolError,
	KindExecution,
	KindUnknown,
}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Retryable reports whether failures of this kind are transient.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindNetwork, KindTimeout:
		return true
	}
	return false
}

// ImmediatelyFatal reports whether a single failure of this kind trips the
// breaker regardless of how many failures the window holds.
func (k Kind) ImmediatelyFatal() bool {
	switch k {
	case KindAuthentication, KindQuotaExhausted, KindRateLimit, KindContextLength:
		return true
	}
	return false
}

// ParseKind validates a kind name.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return k, nil
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
	return []byte(k), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
