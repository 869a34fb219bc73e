package usage

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	gateway "github.com/aetherlab/aether/internal"
)

const (
	// DefaultStream is the usage event stream key.
	DefaultStream = "aether:usage:events"
	// DefaultDLQ receives events that exhausted their retries.
	DefaultDLQ = "aether:usage:dlq"
	// DefaultMaxLen bounds the stream with approximate trimming.
	DefaultMaxLen = 100000
)

// QueueWriter publishes usage events to a Redis stream so row persistence
// survives gateway restarts and spreads across consumers.
type QueueWriter struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewQueueWriter creates a writer publishing to stream (empty uses
// DefaultStream).
func NewQueueWriter(rdb redis.UniversalClient, stream string, maxLen int64, logger *slog.Logger) *QueueWriter {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueWriter{rdb: rdb, stream: stream, maxLen: maxLen, logger: logger}
}

// RecordStreaming publishes a STREAMING marker.
func (w *QueueWriter) RecordStreaming(ctx context.Context, requestID string, firstByteMs int64) {
	w.add(ctx, map[string]any{
		"event_type":    string(EventStreaming),
		"request_id":    requestID,
		"ts_ms":         strconv.FormatInt(nowMs(), 10),
		"first_byte_ms": strconv.FormatInt(firstByteMs, 10),
	})
}

// RecordTerminal publishes a terminal event with the sparse row payload.
func (w *QueueWriter) RecordTerminal(ctx context.Context, typ EventType, row *gateway.Usage) {
	row.Status = typ.Status()
	payload, err := sparsePayload(row)
	if err != nil {
		w.logger.Error("usage payload marshal failed", "request_id", row.RequestID, "error", err)
		return
	}
	w.add(ctx, map[string]any{
		"event_type":   string(typ),
		"request_id":   row.RequestID,
		"ts_ms":        strconv.FormatInt(nowMs(), 10),
		"payload_json": string(payload),
	})
}

// Close is a no-op; the stream owns delivery durability.
func (w *QueueWriter) Close(context.Context) error { return nil }

func (w *QueueWriter) add(ctx context.Context, values map[string]any) {
	err := w.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: w.stream,
		MaxLen: w.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		w.logger.Warn("usage event publish failed", "error", err)
	}
}
