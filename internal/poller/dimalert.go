package poller

import (
	"sync"
	"time"
)

// dimAlertThreshold is the per-(model,dimension) miss count within one
// hour that escalates the per-occurrence warn into an alert log.
const dimAlertThreshold = 10

// dimAlert counts missing billing dimensions per (model, dimension) in
// hourly windows. The Prometheus counter tracks totals; this exists so a
// sustained collector misconfiguration surfaces once per window instead
// of drowning in per-task warns.
type dimAlert struct {
	mu     sync.Mutex
	window time.Time
	counts map[string]int
}

// observe records one miss and reports the window count. alert is true
// exactly when the count crosses the threshold.
func (a *dimAlert) observe(model, dimension string, now time.Time) (n int, alert bool) {
	hour := now.Truncate(time.Hour)
	a.mu.Lock()
	defer a.mu.Unlock()
	if !hour.Equal(a.window) {
		a.window = hour
		a.counts = make(map[string]int)
	}
	key := model + "|" + dimension
	a.counts[key]++
	n = a.counts[key]
	return n, n == dimAlertThreshold
}
