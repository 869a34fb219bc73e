package worker

import (
	"context"
	"testing"
	"time"

	"github.com/aetherlab/aether/internal/testutil"
)

func day(offset int) time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour).Add(time.Duration(offset) * 24 * time.Hour)
}

func TestRollupAggregatesYesterdayOnColdStart(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	r := NewRollup(store, nil, nil)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(store.AggregatedDays) != 1 || !store.AggregatedDays[0].Equal(day(-1)) {
		t.Fatalf("aggregated = %v", store.AggregatedDays)
	}
}

func TestRollupBackfillsGap(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.AggregatedDays = []time.Time{day(-4)}
	r := NewRollup(store, nil, nil)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	// -4 was pre-seeded; -3, -2, -1 get filled in.
	if len(store.AggregatedDays) != 4 {
		t.Fatalf("aggregated = %v", store.AggregatedDays)
	}
	if !store.AggregatedDays[3].Equal(day(-1)) {
		t.Fatalf("last = %v", store.AggregatedDays[3])
	}
}

func TestRollupBackfillBounded(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.AggregatedDays = []time.Time{day(-120)}
	r := NewRollup(store, nil, nil)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	// One pre-seeded day plus at most maxBackfillDays new ones.
	if got := len(store.AggregatedDays) - 1; got != maxBackfillDays {
		t.Fatalf("backfilled %d days", got)
	}
}

func TestRollupIdempotentWhenCurrent(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.AggregatedDays = []time.Time{day(-1)}
	r := NewRollup(store, nil, nil)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(store.AggregatedDays) != 1 {
		t.Fatalf("aggregated = %v", store.AggregatedDays)
	}
}

func TestTickerWorkerFiresAndStops(t *testing.T) {
	t.Parallel()
	fired := make(chan struct{}, 8)
	w := NewTicker("test", 10*time.Millisecond, func(context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker never fired")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not stop")
	}
}
