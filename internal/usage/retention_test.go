package usage

import (
	"context"
	"testing"
	"time"
)

// fakeRetentionStore scripts per-stage batch results.
type fakeRetentionStore struct {
	compress []int
	drop     []int
	headers  []int
	del      []int
	calls    []string
	cutoffs  map[string]time.Time
}

func newFakeRetentionStore() *fakeRetentionStore {
	return &fakeRetentionStore{cutoffs: make(map[string]time.Time)}
}

func (s *fakeRetentionStore) next(name string, script *[]int, cutoff time.Time) (int, error) {
	s.calls = append(s.calls, name)
	s.cutoffs[name] = cutoff
	if len(*script) == 0 {
		return 0, nil
	}
	n := (*script)[0]
	*script = (*script)[1:]
	return n, nil
}

func (s *fakeRetentionStore) CompressUsageBodies(_ context.Context, cutoff time.Time, _ int) (int, error) {
	return s.next("compress_bodies", &s.compress, cutoff)
}

func (s *fakeRetentionStore) DropCompressedBodies(_ context.Context, cutoff time.Time, _ int) (int, error) {
	return s.next("drop_compressed", &s.drop, cutoff)
}

func (s *fakeRetentionStore) ClearUsageHeaders(_ context.Context, cutoff time.Time, _ int) (int, error) {
	return s.next("clear_headers", &s.headers, cutoff)
}

func (s *fakeRetentionStore) DeleteOldUsage(_ context.Context, cutoff time.Time, _ int) (int, error) {
	return s.next("delete_rows", &s.del, cutoff)
}

func stageCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestRetentionRunsConfiguredStagesInOrder(t *testing.T) {
	t.Parallel()

	store := newFakeRetentionStore()
	store.compress = []int{retentionBatch, 5}
	store.del = []int{3}

	r := NewRetention(store, RetentionPolicy{
		CompressAfterDays: 30,
		DeleteAfterDays:   90,
	}, nil)
	r.Run(context.Background())

	// Full batch keeps the stage walking; the short batch ends it.
	if got := stageCalls(store.calls, "compress_bodies"); got != 2 {
		t.Errorf("compress calls = %d, want 2", got)
	}
	if got := stageCalls(store.calls, "delete_rows"); got != 1 {
		t.Errorf("delete calls = %d, want 1", got)
	}
	// Unconfigured stages never run.
	if got := stageCalls(store.calls, "drop_compressed"); got != 0 {
		t.Errorf("drop_compressed ran %d times with zero-day policy", got)
	}
	if got := stageCalls(store.calls, "clear_headers"); got != 0 {
		t.Errorf("clear_headers ran %d times with zero-day policy", got)
	}

	// Delete must come after compress.
	last := store.calls[len(store.calls)-1]
	if last != "delete_rows" {
		t.Errorf("last stage = %s", last)
	}

	compressAge := time.Since(store.cutoffs["compress_bodies"])
	if compressAge < 29*24*time.Hour || compressAge > 31*24*time.Hour {
		t.Errorf("compress cutoff off by too much: %s", compressAge)
	}
}

func TestRetentionStallsAbortStage(t *testing.T) {
	t.Parallel()

	store := newFakeRetentionStore()
	// A stage that only ever reports zero progress stops after the
	// stall budget instead of looping.
	r := NewRetention(store, RetentionPolicy{DeleteAfterDays: 7}, nil)
	r.Run(context.Background())

	if got := stageCalls(store.calls, "delete_rows"); got != retentionMaxStalls {
		t.Errorf("delete calls = %d, want %d", got, retentionMaxStalls)
	}
}

func TestRetentionStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := newFakeRetentionStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRetention(store, RetentionPolicy{DeleteAfterDays: 7}, nil)
	r.Run(ctx)

	if len(store.calls) != 0 {
		t.Errorf("stages ran under cancelled context: %v", store.calls)
	}
}
