package telemetry

import (
	"sync"
	"time"
)

// SubmissionTracker remembers when each session last submitted telemetry.
type SubmissionTracker interface {
	Record(sessionID string, ts time.Time)
	Last(sessionID string) (time.Time, bool)
}

// MemoryTracker implements SubmissionTracker in process memory.
type MemoryTracker struct {
	mu   sync.RWMutex
	last map[string]time.Time
	now  func() time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{last: make(map[string]time.Time), now: time.Now}
}

func (t *MemoryTracker) Record(sessionID string, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[sessionID] = ts
}

func (t *MemoryTracker) Last(sessionID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.last[sessionID]
	return ts, ok
}

// Forget drops sessions whose last submission is older than cutoff.
func (t *MemoryTracker) Forget(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, ts := range t.last {
		if ts.Before(cutoff) {
			delete(t.last, id)
			n++
		}
	}
	return n
}

func analyzeTiming(sessionID string, tracker SubmissionTracker) TimingSignals {
	var analysis TimingSignals
	if tracker == nil || sessionID == "" {
		return analysis
	}

	now := time.Now()
	if mt, ok := tracker.(*MemoryTracker); ok && mt.now != nil {
		now = mt.now()
	}

	if lastTime, exists := tracker.Last(sessionID); exists {
		interval := now.Sub(lastTime)
		analysis.IntervalMs = float64(interval.Nanoseconds()) / 1e6
		analysis.HasPreviousRequest = true
		analysis.IntervalPrecision = intervalPrecision(interval.Milliseconds())
	}
	tracker.Record(sessionID, now)
	return analysis
}

// intervalPrecision reports the largest round step the interval is an exact
// multiple of. Scripted clients tend to land on round numbers.
func intervalPrecision(ms int64) int {
	if ms <= 0 {
		return 0
	}
	for _, step := range []int64{1000, 500, 100, 50, 10} {
		if ms%step == 0 {
			return int(step)
		}
	}
	return 0
}
