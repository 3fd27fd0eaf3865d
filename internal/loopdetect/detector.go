package loopdetect

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds the detector thresholds. Zero values take defaults.
type Config struct {
	// HistorySize bounds the ring buffer. Default: 100.
	HistorySize int
	// ExactThreshold is how many identical trailing actions form an exact
	// repetition. Default: 5.
	ExactThreshold int
	// SequenceRepetitions is how many back-to-back copies of a sub-sequence
	// form a pattern repetition. Default: 3.
	SequenceRepetitions int
	// MinSequenceLength and MaxSequenceLength bound the sub-sequence length.
	// Defaults: 2 and 10.
	MinSequenceLength int
	MaxSequenceLength int
	// SimilarityThreshold is the edit-distance ratio above which two actions
	// count as similar. Default: 0.85.
	SimilarityThreshold float64
	// SimilarPairRatio is the share of similar pairs a target group needs.
	// Default: 0.7.
	SimilarPairRatio float64
	// SimilarMinGroup is the smallest target group considered. Default: 3.
	SimilarMinGroup int
	// RecentWindow is how many trailing actions the similarity and error
	// detectors look at. Default: 20.
	RecentWindow int
	// ErrorThreshold is how often the same first error line must recur.
	// Default: 3.
	ErrorThreshold int
	// ContentLimit truncates content before hashing and comparing. Default: 500.
	ContentLimit int

	Now    func() time.Time
	Logger *zap.Logger
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		HistorySize:         100,
		ExactThreshold:      5,
		SequenceRepetitions: 3,
		MinSequenceLength:   2,
		MaxSequenceLength:   10,
		SimilarityThreshold: 0.85,
		SimilarPairRatio:    0.7,
		SimilarMinGroup:     3,
		RecentWindow:        20,
		ErrorThreshold:      3,
		ContentLimit:        DefaultContentLimit,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.ExactThreshold <= 0 {
		c.ExactThreshold = d.ExactThreshold
	}
	if c.SequenceRepetitions <= 0 {
		c.SequenceRepetitions = d.SequenceRepetitions
	}
	if c.MinSequenceLength <= 0 {
		c.MinSequenceLength = d.MinSequenceLength
	}
	if c.MaxSequenceLength <= 0 {
		c.MaxSequenceLength = d.MaxSequenceLength
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.SimilarPairRatio <= 0 {
		c.SimilarPairRatio = d.SimilarPairRatio
	}
	if c.SimilarMinGroup <= 0 {
		c.SimilarMinGroup = d.SimilarMinGroup
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = d.RecentWindow
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	if c.ContentLimit <= 0 {
		c.ContentLimit = d.ContentLimit
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type entry struct {
	action      Action
	fingerprint string
}

// Detector runs the loop heuristics over a bounded action history.
type Detector struct {
	mu              sync.Mutex
	cfg             Config
	ring            []entry
	start           int
	count           int
	suppressedUntil time.Time
}

// New creates a Detector.
func New(cfg Config) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		cfg:  cfg,
		ring: make([]entry, cfg.HistorySize),
	}
}

// RecordAction appends an action and returns the first detected pattern,
// checking exact repetition, sequence repetition, similar actions and error
// loops in that order. While suppressed the action is recorded but nothing is
// detected.
func (d *Detector) RecordAction(a Action) *Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.cfg.Now()
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	d.push(entry{action: a, fingerprint: fingerprint(a, d.cfg.ContentLimit)})

	if now.Before(d.suppressedUntil) {
		return nil
	}

	history := d.entries()
	detectors := []func([]entry) *Pattern{
		d.detectExact,
		d.detectSequence,
		d.detectSimilar,
		d.detectErrorLoop,
	}
	for _, detect := range detectors {
		if p := detect(history); p != nil {
			d.cfg.Logger.Warn("loop detected",
				zap.String("type", string(p.Type)),
				zap.Int("repetitions", p.Repetitions),
				zap.Float64("confidence", p.Confidence),
				zap.String("description", p.Description))
			return p
		}
	}
	return nil
}

// Suppress skips detection for d from now.
func (d *Detector) Suppress(dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suppressedUntil = d.cfg.Now().Add(dur)
}

// Suppressed reports whether detection is currently skipped.
func (d *Detector) Suppressed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Now().Before(d.suppressedUntil)
}

// ClearHistory drops every recorded action.
func (d *Detector) ClearHistory() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.start, d.count = 0, 0
	clear(d.ring)
}

// History returns the recorded actions, oldest first.
func (d *Detector) History() []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.entries()
	out := make([]Action, len(entries))
	for i, e := range entries {
		out[i] = e.action
	}
	return out
}

func (d *Detector) push(e entry) {
	size := len(d.ring)
	if d.count < size {
		d.ring[(d.start+d.count)%size] = e
		d.count++
		return
	}
	d.ring[d.start] = e
	d.start = (d.start + 1) % size
}

func (d *Detector) entries() []entry {
	out := make([]entry, d.count)
	for i := 0; i < d.count; i++ {
		out[i] = d.ring[(d.start+i)%len(d.ring)]
	}
	return out
}

func actionsOf(entries []entry) []Action {
	out := make([]Action, len(entries))
	for i, e := range entries {
		out[i] = e.action
	}
	return out
}

func (d *Detector) detectExact(history []entry) *Pattern {
	k := d.cfg.ExactThreshold
	n := len(history)
	if n < k {
		return nil
	}

	last := history[n-1].fingerprint
	run := 1
	for i := n - 2; i >= 0 && history[i].fingerprint == last; i-- {
		run++
	}
	if run < k {
		return nil
	}

	a := history[n-1].action
	return &Pattern{
		Type:        PatternExactRepetition,
		Repetitions: run,
		Confidence:  1.0,
		Actions:     actionsOf(history[n-run:]),
		Description: fmt.Sprintf("%s %s repeated %d times", a.Kind, a.Target, run),
	}
}

func (d *Detector) detectSequence(history []entry) *Pattern {
	reps := d.cfg.SequenceRepetitions
	n := len(history)

	for length := d.cfg.MinSequenceLength; length <= d.cfg.MaxSequenceLength; length++ {
		span := length * reps
		if n < span {
			break
		}
		tail := history[n-span:]
		if !uniformChunks(tail, length) || singleFingerprint(tail[:length]) {
			continue
		}

		// Count how far back the pattern keeps going
		total := reps
		for start := n - span - length; start >= 0; start -= length {
			if !sameChunk(history[start:start+length], tail[:length]) {
				break
			}
			total++
		}

		kinds := make([]string, length)
		for i, e := range tail[:length] {
			kinds[i] = e.action.Kind
		}
		return &Pattern{
			Type:        PatternSequenceRepetition,
			Repetitions: total,
			Confidence:  min(1.0, float64(total)/float64(reps)*0.9),
			Actions:     actionsOf(history[n-total*length:]),
			Description: fmt.Sprintf("sequence of %d actions %v repeated %d times", length, kinds, total),
		}
	}
	return nil
}

func uniformChunks(entries []entry, length int) bool {
	first := entries[:length]
	for start := length; start < len(entries); start += length {
		if !sameChunk(entries[start:start+length], first) {
			return false
		}
	}
	return true
}

func sameChunk(a, b []entry) bool {
	for i := range a {
		if a[i].fingerprint != b[i].fingerprint {
			return false
		}
	}
	return true
}

func singleFingerprint(entries []entry) bool {
	for _, e := range entries[1:] {
		if e.fingerprint != entries[0].fingerprint {
			return false
		}
	}
	return true
}

// trailingRun reports whether group is one repeated action occupying the
// last len(group) slots of window.
func trailingRun(window, group []entry) bool {
	if !singleFingerprint(group) || len(group) > len(window) {
		return false
	}
	for _, e := range window[len(window)-len(group):] {
		if e.fingerprint != group[0].fingerprint {
			return false
		}
	}
	return true
}

func (d *Detector) recent(history []entry) []entry {
	if len(history) > d.cfg.RecentWindow {
		return history[len(history)-d.cfg.RecentWindow:]
	}
	return history
}

// detectSimilar looks for a target that keeps receiving near-identical
// actions, whatever their kind. A run of one repeated action at the end of
// the window is left to detectExact.
func (d *Detector) detectSimilar(history []entry) *Pattern {
	window := d.recent(history)
	groups := make(map[string][]entry)
	var order []string
	for _, e := range window {
		if e.action.Target == "" {
			continue
		}
		key := e.action.Target
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	for _, key := range order {
		group := groups[key]
		if len(group) < d.cfg.SimilarMinGroup || trailingRun(window, group) {
			continue
		}

		contents := make([]string, len(group))
		for i, e := range group {
			contents[i] = truncate(e.action.Content, d.cfg.ContentLimit)
		}

		pairs, similar := 0, 0
		for i := 0; i < len(contents); i++ {
			for j := i + 1; j < len(contents); j++ {
				pairs++
				if similarity(contents[i], contents[j]) >= d.cfg.SimilarityThreshold {
					similar++
				}
			}
		}

		ratio := float64(similar) / float64(pairs)
		if ratio > d.cfg.SimilarPairRatio {
			return &Pattern{
				Type:        PatternSimilarActions,
				Repetitions: len(group),
				Confidence:  ratio,
				Actions:     actionsOf(group),
				Description: fmt.Sprintf("%d similar actions on %s", len(group), key),
			}
		}
	}
	return nil
}

func (d *Detector) detectErrorLoop(history []entry) *Pattern {
	counts := make(map[string]int)
	members := make(map[string][]entry)
	lines := make(map[string]string)
	errorCount := 0

	for _, e := range d.recent(history) {
		line, ok := firstErrorLine(e.action.Output)
		if !ok {
			continue
		}
		errorCount++
		h := hashString(line)
		counts[h]++
		members[h] = append(members[h], e)
		lines[h] = line
	}

	var mode string
	for h, c := range counts {
		if c > counts[mode] || (c == counts[mode] && h < mode) {
			mode = h
		}
	}
	if mode == "" || counts[mode] < d.cfg.ErrorThreshold {
		return nil
	}

	return &Pattern{
		Type:        PatternErrorLoop,
		Repetitions: counts[mode],
		Confidence:  float64(counts[mode]) / float64(errorCount),
		Actions:     actionsOf(members[mode]),
		Description: fmt.Sprintf("same error %d times: %s", counts[mode], truncate(lines[mode], 200)),
	}
}
