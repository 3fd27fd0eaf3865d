// Package loopdetect spots a worker that keeps doing the same thing.
package loopdetect

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// DefaultContentLimit is how much of an action's content feeds its
// fingerprint and similarity comparisons.
const DefaultContentLimit = 500

// Action is one observed step of the worker.
type Action struct {
	Kind      string    `json:"kind"`
	Target    string    `json:"target,omitempty"`
	Content   string    `json:"content,omitempty"`
	Output    string    `json:"output,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Fingerprint identifies an action by kind, target and content prefix.
func (a Action) Fingerprint() string {
	return fingerprint(a, DefaultContentLimit)
}

func fingerprint(a Action, limit int) string {
	return hashString(a.Kind + "\x00" + a.Target + "\x00" + truncate(a.Content, limit))
}

// PatternType names the detector that fired.
type PatternType string

const (
	PatternExactRepetition    PatternType = "exact_repetition"
	PatternSequenceRepetition PatternType = "pattern_repetition"
	PatternSimilarActions     PatternType = "similar_actions"
	PatternErrorLoop          PatternType = "error_loop"
)

// Pattern is a detected loop. It is not persisted.
type Pattern struct {
	Type        PatternType `json:"type"`
	Repetitions int         `json:"repetitions"`
	Confidence  float64     `json:"confidence"`
	Actions     []Action    `json:"actions"`
	Description string      `json:"description"`
}

func (p *Pattern) String() string {
	return fmt.Sprintf("%s x%d (confidence %.2f): %s", p.Type, p.Repetitions, p.Confidence, p.Description)
}

// hashString returns the first 16 hex chars of the SHA-256 of s.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:8])
}

func truncate(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
