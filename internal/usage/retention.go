package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/aetherlab/aether/internal/storage"
)

const (
	retentionBatch      = 1000
	retentionMaxStalls  = 3
	retentionBatchPause = 100 * time.Millisecond
)

// RetentionPolicy holds the staged age thresholds in days. A zero stage
// is skipped.
type RetentionPolicy struct {
	CompressAfterDays     int
	DropCompressedDays    int
	ClearHeadersAfterDays int
	DeleteAfterDays       int
}

// Retention runs the staged usage-row lifecycle: compress bodies, drop
// compressed blobs, clear headers, delete rows. Each stage walks batches
// until the store reports no progress three times in a row.
type Retention struct {
	store  storage.RetentionStore
	policy RetentionPolicy
	logger *slog.Logger
}

// NewRetention creates the driver.
func NewRetention(store storage.RetentionStore, policy RetentionPolicy, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{store: store, policy: policy, logger: logger}
}

type stageFunc func(ctx context.Context, cutoff time.Time, limit int) (int, error)

// Run executes every configured stage. Stage errors are logged and the
// remaining stages still run.
func (r *Retention) Run(ctx context.Context) {
	now := time.Now().UTC()
	stages := []struct {
		name string
		days int
		fn   stageFunc
	}{
		{"compress_bodies", r.policy.CompressAfterDays, r.store.CompressUsageBodies},
		{"drop_compressed", r.policy.DropCompressedDays, r.store.DropCompressedBodies},
		{"clear_headers", r.policy.ClearHeadersAfterDays, r.store.ClearUsageHeaders},
		{"delete_rows", r.policy.DeleteAfterDays, r.store.DeleteOldUsage},
	}
	for _, stage := range stages {
		if stage.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -stage.days)
		if err := r.runStage(ctx, stage.name, stage.fn, cutoff); err != nil {
			r.logger.Warn("retention stage failed", "stage", stage.name, "error", err)
		}
	}
}

func (r *Retention) runStage(ctx context.Context, name string, fn stageFunc, cutoff time.Time) error {
	stalls := 0
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := fn(ctx, cutoff, retentionBatch)
		if err != nil {
			return err
		}
		total += n
		if n == 0 {
			stalls++
			if stalls >= retentionMaxStalls {
				break
			}
		} else {
			stalls = 0
		}
		if n < retentionBatch && stalls == 0 {
			// Short batch means the stage caught up.
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retentionBatchPause):
		}
	}
	if total > 0 {
		r.logger.Info("retention stage done", "stage", name, "rows", total)
	}
	return nil
}
