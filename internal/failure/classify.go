package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Classification is the outcome of classifying a failure.
type Classification struct {
	Kind       Kind
	Retryable  bool
	RetryAfter time.Duration // Zero when the failure carried no hint
}

// Error is a failure whose kind is already known.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

// New returns an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to err.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps an error onto a Kind. Typed errors win over message
// matching.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown}
	}

	var fe *Error
	if errors.As(err, &fe) {
		c := classification(fe.Kind)
		c.RetryAfter = fe.RetryAfter
		if c.RetryAfter == 0 {
			c.RetryAfter = ParseRetryAfter(err.Error())
		}
		return c
	}

	switch {
	case errors.Is(err, context.Canceled):
		return classification(KindCancellation)
	case errors.Is(err, context.DeadlineExceeded):
		return classification(KindTimeout)
	case errors.Is(err, exec.ErrNotFound):
		return classification(KindToolError)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return classification(KindTimeout)
		}
		return classification(KindNetwork)
	}

	c := ClassifyText(err.Error())
	if c.Kind == KindUnknown {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return classification(KindExecution)
		}
	}
	return c
}

type textRule struct {
	kind     Kind
	patterns []*regexp.Regexp
}

// Order matters: quota messages often also mention limits, and auth
// failures are reported with generic error wording.
var textRules = []textRule{
	{KindAuthentication, compile(
		`\b401\b`,
		`unauthori[sz]ed`,
		`authentication (failed|error|required)`,
		`invalid[ _-]?api[ _-]?key`,
		`invalid x-api-key`,
		`not logged in`,
		`please run /login`,
		`oauth token (has )?expired`,
	)},
	{KindQuotaExhausted, compile(
		`quota`,
		`credit balance is too low`,
		`billing`,
		`usage limit reached`,
		`out of credits`,
	)},
	{KindRateLimit, compile(
		`\b429\b`,
		`rate[ _-]?limit`,
		`too many requests`,
		`overloaded`,
	)},
	{KindContextLength, compile(
		`context[ _-]?length`,
		`context window`,
		`maximum context`,
		`prompt is too long`,
		`too many tokens`,
	)},
	{KindCancellation, compile(
		`\bcancell?ed\b`,
		`interrupted by user`,
	)},
	{KindAbort, compile(
		`\babort(ed)?\b`,
	)},
	{KindTimeout, compile(
		`timed? ?out`,
		`deadline exceeded`,
	)},
	{KindNetwork, compile(
		`connection (refused|reset|closed)`,
		`no such host`,
		`network (is )?unreachable`,
		`econn(refused|reset)`,
		`broken pipe`,
		`tls handshake`,
		`dns`,
	)},
	{KindToolError, compile(
		`command not found`,
		`executable file not found`,
		`tool[ _-]use[ _-]error`,
		`unknown tool`,
		`no such tool`,
	)},
	{KindExecution, compile(
		`exit (status|code) [1-9]`,
		`panic:`,
		`traceback`,
		`\berror\b`,
		`\bfailed\b`,
	)},
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// ClassifyText classifies a failure from its message alone.
func ClassifyText(text string) Classification {
	for _, rule := range textRules {
		for _, re := range rule.patterns {
			if re.MatchString(text) {
				c := classification(rule.kind)
				c.RetryAfter = ParseRetryAfter(text)
				return c
			}
		}
	}
	return classification(KindUnknown)
}

var (
	retryAfterHeader = regexp.MustCompile(`(?i)retry[- _]after["']?\s*[:=]?\s*(\d+(?:\.\d+)?)`)
	retryInPhrase    = regexp.MustCompile(`(?i)(?:try again|retry|retrying) in (\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?|m|mins?|minutes?)?\b`)
)

// ParseRetryAfter extracts a suggested delay from a failure message, or zero.
func ParseRetryAfter(text string) time.Duration {
	if m := retryAfterHeader.FindStringSubmatch(text); m != nil {
		return scaled(m[1], "s")
	}
	if m := retryInPhrase.FindStringSubmatch(text); m != nil {
		return scaled(m[1], m[2])
	}
	return 0
}

func scaled(value, unit string) time.Duration {
	n, err := strconv.ParseFloat(value, 64)
	if err != nil || n < 0 {
		return 0
	}
	unit = strings.ToLower(unit)
	var base time.Duration
	switch {
	case strings.HasPrefix(unit, "ms"), strings.HasPrefix(unit, "milli"):
		base = time.Millisecond
	case strings.HasPrefix(unit, "m"):
		base = time.Minute
	default:
		base = time.Second
	}
	return time.Duration(n * float64(base))
}

func classification(kind Kind) Classification {
	return Classification{Kind: kind, Retryable: kind.Retryable()}
}
