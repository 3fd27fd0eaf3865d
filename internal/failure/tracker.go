package failure

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultWindow    = 60 * time.Second
	DefaultThreshold = 3
)

// Record is a single tracked failure.
type Record struct {
	Time   time.Time `json:"time"`
	Kind   Kind      `json:"kind"`
	TaskID string    `json:"task_id,omitempty"`
}

// Stats is a derived snapshot of the tracker.
type Stats struct {
	WindowCount int           `json:"window_count"`
	LastFailure time.Time     `json:"last_failure,omitempty"`
	Tripped     bool          `json:"tripped"`
	TripReason  string        `json:"trip_reason,omitempty"`
	Window      time.Duration `json:"window"`
	Threshold   int           `json:"threshold"`
	Records     []Record      `json:"records"`
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Window    time.Duration // Default 60s
	Threshold int           // Default 3
	Now       func() time.Time
	Logger    *zap.Logger
}

// Tracker is a sliding-window circuit breaker. Once tripped it stays tripped
// until Resume or Reset is called.
type Tracker struct {
	mu          sync.Mutex
	window      time.Duration
	threshold   int
	now         func() time.Time
	logger      *zap.Logger
	records     []Record
	lastFailure time.Time
	tripped     bool
	tripReason  string
	onTrip      func(Stats)
}

// NewTracker creates a Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Tracker{
		window:    cfg.Window,
		threshold: cfg.Threshold,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// OnTrip registers the callback fired once each time the breaker trips.
func (t *Tracker) OnTrip(fn func(Stats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrip = fn
}

// TrackFailure records a failure and reports whether work should pause.
func (t *Tracker) TrackFailure(kind Kind, taskID string) bool {
	return t.TrackClassified(classification(kind), taskID)
}

// TrackClassified is TrackFailure with a retry-after hint for the trip reason.
func (t *Tracker) TrackClassified(c Classification, taskID string) bool {
	kind := c.Kind
	if !kind.Valid() {
		kind = KindUnknown
	}

	t.mu.Lock()
	now := t.now()
	t.records = append(t.records, Record{Time: now, Kind: kind, TaskID: taskID})
	t.lastFailure = now
	t.purge(now)

	if t.tripped {
		t.mu.Unlock()
		return true
	}

	var reason string
	switch {
	case kind.ImmediatelyFatal():
		reason = fmt.Sprintf("fatal %s failure", kind)
	case len(t.records) >= t.threshold:
		reason = fmt.Sprintf("%d failures within %s (last: %s)", len(t.records), t.window, kind)
	default:
		t.mu.Unlock()
		return false
	}
	if taskID != "" {
		reason += " on task " + taskID
	}
	if c.RetryAfter > 0 {
		reason += fmt.Sprintf(", retry after %ds", int(c.RetryAfter.Round(time.Second)/time.Second))
	}

	t.tripped = true
	t.tripReason = reason
	stats := t.statsLocked()
	cb := t.onTrip
	t.mu.Unlock()

	t.logger.Warn("failure breaker tripped",
		zap.String("reason", reason),
		zap.String("kind", string(kind)),
		zap.Int("window_count", stats.WindowCount))

	if cb != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("trip callback panicked", zap.Any("panic", r))
				}
			}()
			cb(stats)
		}()
	}
	return true
}

// RecordSuccess clears the window. A tripped breaker stays tripped.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
}

// Resume clears the trip latch and keeps the window.
func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tripped {
		t.logger.Info("failure breaker resumed", zap.String("reason", t.tripReason))
	}
	t.tripped = false
	t.tripReason = ""
}

// Reset clears the latch and the window.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tripped = false
	t.tripReason = ""
	t.records = nil
	t.lastFailure = time.Time{}
}

// IsTripped reports whether the breaker is latched.
func (t *Tracker) IsTripped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tripped
}

// Stats returns a snapshot after purging expired records.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purge(t.now())
	return t.statsLocked()
}

func (t *Tracker) statsLocked() Stats {
	return Stats{
		WindowCount: len(t.records),
		LastFailure: t.lastFailure,
		Tripped:     t.tripped,
		TripReason:  t.tripReason,
		Window:      t.window,
		Threshold:   t.threshold,
		Records:     append([]Record(nil), t.records...),
	}
}

// purge drops records older than the window. Caller holds t.mu.
func (t *Tracker) purge(now time.Time) {
	keep := 0
	for keep < len(t.records) && now.Sub(t.records[keep].Time) > t.window {
		keep++
	}
	if keep > 0 {
		t.records = append([]Record(nil), t.records[keep:]...)
	}
}
