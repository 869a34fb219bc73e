package health

import "time"

// outcome is one finished attempt in the rolling window.
type outcome struct {
	at     time.Time
	weight float64
}

// outcomeWindow keeps recent attempt outcomes, capped by both count and
// age. Not goroutine-safe; the owning tracker holds the lock.
type outcomeWindow struct {
	entries  []outcome
	maxCount int
	maxAge   time.Duration
}

func newOutcomeWindow(maxCount int, maxAge time.Duration) *outcomeWindow {
	return &outcomeWindow{maxCount: maxCount, maxAge: maxAge}
}

func (w *outcomeWindow) add(weight float64, now time.Time) {
	w.entries = append(w.entries, outcome{at: now, weight: weight})
	w.trim(now)
}

func (w *outcomeWindow) trim(now time.Time) {
	cutoff := now.Add(-w.maxAge)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	if over := len(w.entries) - i - w.maxCount; over > 0 {
		i += over
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// failureRate returns the weighted failure rate and the sample count.
func (w *outcomeWindow) failureRate(now time.Time) (rate float64, samples int) {
	w.trim(now)
	if len(w.entries) == 0 {
		return 0, 0
	}
	var sum float64
	for _, e := range w.entries {
		sum += e.weight
	}
	return sum / float64(len(w.entries)), len(w.entries)
}

func (w *outcomeWindow) reset() { w.entries = w.entries[:0] }

// peakRecord is one 429-tagged in-flight peak observation.
type peakRecord struct {
	at   time.Time
	peak int
}

// utilSample is one admission-time utilization observation.
type utilSample struct {
	at   time.Time
	util float64 // inFlight / effective limit
}
