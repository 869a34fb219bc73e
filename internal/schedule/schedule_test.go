package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddCronRejectsBadSpec(t *testing.T) {
	t.Parallel()

	s := New(time.UTC, nil)
	if err := s.AddCron("bad", "not a spec", func(context.Context) {}); err == nil {
		t.Error("invalid spec accepted")
	}
	if err := s.AddCron("good", "0 1 * * *", func(context.Context) {}); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}
}

func TestReRegisterReplacesEntry(t *testing.T) {
	t.Parallel()

	s := New(time.UTC, nil)
	if err := s.AddCron("job", "0 1 * * *", func(context.Context) {}); err != nil {
		t.Fatal(err)
	}
	s.AddInterval("job", time.Hour, func(context.Context) {})

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Name != "job" {
		t.Errorf("entry name = %s", entries[0].Name)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	s := New(time.UTC, nil)
	s.AddInterval("job", time.Hour, func(context.Context) {})
	s.Remove("job")
	s.Remove("absent")

	if got := len(s.Entries()); got != 0 {
		t.Errorf("entries = %d after remove", got)
	}
}

func TestIntervalJobFires(t *testing.T) {
	t.Parallel()

	s := New(time.UTC, nil)
	var fired atomic.Int32
	s.AddInterval("tick", 10*time.Millisecond, func(context.Context) {
		fired.Add(1)
	})
	s.Start()
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPanicIsolated(t *testing.T) {
	t.Parallel()

	s := New(time.UTC, nil)
	var after atomic.Bool
	s.AddInterval("boom", 10*time.Millisecond, func(context.Context) {
		panic("boom")
	})
	s.AddInterval("ok", 10*time.Millisecond, func(context.Context) {
		after.Store(true)
	})
	s.Start()
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for !after.Load() {
		select {
		case <-deadline:
			t.Fatal("healthy job starved by panicking job")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStopWaitsForRunningJob(t *testing.T) {
	t.Parallel()

	s := New(time.UTC, nil)
	started := make(chan struct{})
	var once sync.Once
	var finished atomic.Bool
	s.AddInterval("slow", 10*time.Millisecond, func(context.Context) {
		once.Do(func() { close(started) })
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
	})
	s.Start()
	<-started
	s.Stop()

	if !finished.Load() {
		t.Error("Stop returned before the running job finished")
	}
}
