package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/storage"
)

const (
	directChanSize   = 1000
	directBatchSize  = 100
	directFlushEvery = 5 * time.Second
	directDrainTime  = 30 * time.Second
)

// DirectWriter batches terminal usage rows straight into the store.
// Streaming markers bypass the batcher so the row status is visible while
// the response is still flowing. Rows are dropped if the channel is full.
type DirectWriter struct {
	ch     chan *gateway.Usage
	store  storage.UsageStore
	logger *slog.Logger
	done   chan struct{}
}

// NewDirectWriter creates the writer. Run must be started for terminal
// rows to reach the store.
func NewDirectWriter(store storage.UsageStore, logger *slog.Logger) *DirectWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectWriter{
		ch:     make(chan *gateway.Usage, directChanSize),
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// RecordStreaming flips the row to streaming synchronously.
func (w *DirectWriter) RecordStreaming(ctx context.Context, requestID string, firstByteMs int64) {
	if err := w.store.MarkUsageStreaming(ctx, requestID, firstByteMs); err != nil {
		w.logger.Warn("mark streaming failed", "request_id", requestID, "error", err)
	}
}

// RecordTerminal enqueues a terminal row. Never blocks.
func (w *DirectWriter) RecordTerminal(_ context.Context, typ EventType, row *gateway.Usage) {
	row.Status = typ.Status()
	select {
	case w.ch <- row:
	default:
		w.logger.Warn("usage row dropped, channel full", "request_id", row.RequestID)
	}
}

// Run batches rows until ctx is cancelled, then drains with a timeout.
func (w *DirectWriter) Run(ctx context.Context) error {
	defer close(w.done)
	ticker := time.NewTicker(directFlushEvery)
	defer ticker.Stop()

	buf := make([]*gateway.Usage, 0, directBatchSize)
	for {
		select {
		case row := <-w.ch:
			buf = append(buf, row)
			if len(buf) >= directBatchSize {
				w.flush(ctx, buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			if len(buf) > 0 {
				w.flush(ctx, buf)
				buf = buf[:0]
			}
		case <-ctx.Done():
			w.drain(buf)
			return nil
		}
	}
}

// Close waits for the batcher to finish draining.
func (w *DirectWriter) Close(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *DirectWriter) drain(buf []*gateway.Usage) {
	ctx, cancel := context.WithTimeout(context.Background(), directDrainTime)
	defer cancel()
	for {
		select {
		case row := <-w.ch:
			buf = append(buf, row)
			if len(buf) >= directBatchSize {
				w.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				w.flush(ctx, buf)
			}
			return
		}
	}
}

func (w *DirectWriter) flush(ctx context.Context, buf []*gateway.Usage) {
	batch := make([]*gateway.Usage, len(buf))
	copy(batch, buf)
	now := time.Now().UTC()
	for _, row := range batch {
		if row.ID == "" {
			row.ID = uuid.Must(uuid.NewV7()).String()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		row.UpdatedAt = now
	}
	if err := w.store.UpsertUsageTerminal(ctx, batch); err != nil {
		w.logger.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
