package worker

import (
	"context"
	"time"
)

// funcWorker adapts a blocking run function to the Worker interface.
type funcWorker struct {
	name string
	run  func(ctx context.Context) error
}

func (f *funcWorker) Name() string                  { return f.name }
func (f *funcWorker) Run(ctx context.Context) error { return f.run(ctx) }

// NewFunc wraps a blocking run function (the usage consumer, the direct
// writer) as a Worker.
func NewFunc(name string, run func(ctx context.Context) error) Worker {
	return &funcWorker{name: name, run: run}
}

// tickWorker fires fn on a fixed interval until cancelled. Errors inside fn
// are the callee's to log; a tick never stops the loop.
type tickWorker struct {
	name  string
	every time.Duration
	fn    func(ctx context.Context)
}

func (t *tickWorker) Name() string { return t.name }

func (t *tickWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.fn(ctx)
		}
	}
}

// NewTicker wraps a periodic function (the task poller's tick, the node
// sweeper) as a Worker.
func NewTicker(name string, every time.Duration, fn func(ctx context.Context)) Worker {
	return &tickWorker{name: name, every: every, fn: fn}
}
