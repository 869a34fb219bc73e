package usage

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

// fakeUsageStore implements storage.UsageStore over maps.
type fakeUsageStore struct {
	mu        sync.Mutex
	rows      map[string]*gateway.Usage
	streaming map[string]int64
	upsertErr error
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{
		rows:      make(map[string]*gateway.Usage),
		streaming: make(map[string]int64),
	}
}

func (s *fakeUsageStore) InsertUsage(_ context.Context, u *gateway.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[u.RequestID] = u
	return nil
}

func (s *fakeUsageStore) GetUsageByRequestID(_ context.Context, requestID string) (*gateway.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.rows[requestID]; ok {
		return u, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *fakeUsageStore) MarkUsageStreaming(_ context.Context, requestID string, firstByteMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming[requestID] = firstByteMs
	return nil
}

func (s *fakeUsageStore) UpsertUsageTerminal(_ context.Context, rows []*gateway.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	for _, u := range rows {
		s.rows[u.RequestID] = u
	}
	return nil
}

func (s *fakeUsageStore) SettleUsage(context.Context, string, gateway.UsageStatus, float64, []byte, string, string) error {
	return nil
}

func (s *fakeUsageStore) SumUsageCost(context.Context, string) (float64, error) { return 0, nil }

func (s *fakeUsageStore) ReapStale(context.Context, time.Time) (int, error) { return 0, nil }

func (s *fakeUsageStore) InsertCandidates(context.Context, []gateway.RequestCandidate) error {
	return nil
}

func (s *fakeUsageStore) UpdateCandidate(context.Context, string, gateway.CandidateStatus, string, int64) error {
	return nil
}

func (s *fakeUsageStore) ListCandidates(context.Context, string) ([]gateway.RequestCandidate, error) {
	return nil, nil
}

func (s *fakeUsageStore) row(requestID string) *gateway.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[requestID]
}

func TestSparsePayloadRoundTrip(t *testing.T) {
	t.Parallel()

	row := &gateway.Usage{
		RequestID:      "req-1",
		RequestedModel: "gpt-4o",
		Status:         gateway.UsageCompleted,
		StatusCode:     200,
		Stream:         true,
		Tokens:         gateway.TokenCounts{Input: 10, Output: 5},
		CostUSD:        0.01,
	}
	payload, err := sparsePayload(row)
	if err != nil {
		t.Fatal(err)
	}
	// Defaults must be stripped from the wire form.
	for _, absent := range []string{"status_code", `"stream"`} {
		if strings.Contains(string(payload), absent) {
			t.Errorf("payload still carries %s: %s", absent, payload)
		}
	}

	back, err := rowFromPayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	if back.StatusCode != 200 || !back.Stream {
		t.Errorf("defaults not restored: code=%d stream=%v", back.StatusCode, back.Stream)
	}
	if back.Tokens.Input != 10 || back.Tokens.Output != 5 {
		t.Errorf("tokens lost: %+v", back.Tokens)
	}

	// Non-default values survive untouched.
	row.StatusCode = 502
	row.Stream = false
	row.Status = gateway.UsageFailed
	payload, _ = sparsePayload(row)
	back, _ = rowFromPayload(payload)
	if back.StatusCode != 502 || back.Stream {
		t.Errorf("explicit values lost: code=%d stream=%v", back.StatusCode, back.Stream)
	}
}

func TestDirectWriterBatchesTerminalRows(t *testing.T) {
	t.Parallel()

	store := newFakeUsageStore()
	w := NewDirectWriter(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	w.RecordTerminal(ctx, EventCompleted, &gateway.Usage{RequestID: "r1"})
	w.RecordTerminal(ctx, EventFailed, &gateway.Usage{RequestID: "r2"})
	cancel()
	<-done

	if row := store.row("r1"); row == nil || row.Status != gateway.UsageCompleted {
		t.Errorf("r1 = %+v", store.row("r1"))
	}
	if row := store.row("r2"); row == nil || row.Status != gateway.UsageFailed {
		t.Errorf("r2 = %+v", store.row("r2"))
	}
	if store.row("r1").ID == "" {
		t.Error("row ID not assigned on flush")
	}
}

func TestDirectWriterStreamingIsSynchronous(t *testing.T) {
	t.Parallel()

	store := newFakeUsageStore()
	w := NewDirectWriter(store, nil)
	w.RecordStreaming(context.Background(), "r1", 230)
	if got := store.streaming["r1"]; got != 230 {
		t.Errorf("first byte ms = %d", got)
	}
}
