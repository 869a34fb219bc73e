package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/aetherlab/aether/internal/distlock"
	"github.com/aetherlab/aether/internal/storage"
)

const (
	rollupLockKey = "aether:lock:stats-rollup"
	rollupLockTTL = 5 * time.Minute

	// maxBackfillDays bounds how far a cold instance reaches back. Usage
	// rows older than that are already inside the retention pipeline.
	maxBackfillDays = 30
)

// Rollup recomputes daily usage aggregates. One run covers yesterday plus
// any gap since the last aggregated day, so a restarted instance backfills
// itself. Multi-instance deployments serialize through the lock.
type Rollup struct {
	store  storage.StatsStore
	locker *distlock.Locker // nil = single instance, no lock
	logger *slog.Logger
}

// NewRollup creates the aggregation job.
func NewRollup(store storage.StatsStore, locker *distlock.Locker, logger *slog.Logger) *Rollup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rollup{store: store, locker: locker, logger: logger.With("component", "rollup")}
}

// RunOnce aggregates all days up to and including yesterday (UTC).
func (r *Rollup) RunOnce(ctx context.Context) error {
	if r.locker == nil {
		return r.aggregate(ctx)
	}
	return r.locker.WithLock(ctx, rollupLockKey, rollupLockTTL, r.aggregate)
}

func (r *Rollup) aggregate(ctx context.Context) error {
	target := time.Now().UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)

	last, err := r.store.LastAggregatedDay(ctx)
	if err != nil {
		return err
	}
	start := target
	if !last.IsZero() {
		start = last.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
	if floor := target.Add(-time.Duration(maxBackfillDays-1) * 24 * time.Hour); start.Before(floor) {
		start = floor
	}

	days := 0
	for day := start; !day.After(target); day = day.Add(24 * time.Hour) {
		if err := r.store.UpsertDailyStats(ctx, day); err != nil {
			return err
		}
		days++
	}
	if days > 0 {
		r.logger.Info("daily stats aggregated", "days", days, "through", target.Format("2006-01-02"))
	}
	return nil
}
