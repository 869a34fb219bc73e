// Package schedule is a named job registry over cron. Each name holds at
// most one active trigger; re-registering replaces the prior entry.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Entry describes a registered job and its next fire time.
type Entry struct {
	Name string
	Next time.Time
}

// Scheduler owns the cron runner and the name -> entry mapping.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	logger  *slog.Logger
	started bool
}

// New creates a scheduler firing in loc. Storage timestamps stay UTC;
// only trigger times follow the app timezone.
func New(loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
	}
}

// AddCron registers fn under name with a cron spec. An invalid spec is
// the only error; a prior entry under the same name is removed first.
func (s *Scheduler) AddCron(name, spec string, fn func(context.Context)) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return err
	}
	s.add(name, sched, fn)
	return nil
}

// AddInterval registers fn under name to fire every interval.
func (s *Scheduler) AddInterval(name string, every time.Duration, fn func(context.Context)) {
	s.add(name, cron.Every(every), fn)
}

func (s *Scheduler) add(name string, sched cron.Schedule, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[name]; ok {
		s.cron.Remove(prev)
	}
	s.entries[name] = s.cron.Schedule(sched, s.wrap(name, fn))
}

// wrap gives every run panic isolation and a log line on blowup.
func (s *Scheduler) wrap(name string, fn func(context.Context)) cron.Job {
	return cron.FuncJob(func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduled job panicked", "job", name, "panic", r)
			}
		}()
		fn(context.Background())
	})
}

// Remove drops the entry under name, if any.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Entries lists registered jobs with their next fire times.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for name, id := range s.entries {
		out = append(out, Entry{Name: name, Next: s.cron.Entry(id).Next})
	}
	return out
}

// Start begins firing. Safe to call once; later Add calls take effect
// without a restart.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts new fires and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}
