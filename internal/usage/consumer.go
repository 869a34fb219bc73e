package usage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/storage"
)

// ConsumerConfig tunes the stream consumer loop.
type ConsumerConfig struct {
	Stream        string
	Group         string
	DLQ           string
	Batch         int64
	Block         time.Duration
	ClaimInterval time.Duration
	ClaimIdle     time.Duration
	MaxRetries    int64
	DLQMaxLen     int64
}

// DefaultConsumerConfig mirrors the production tuning.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Stream:        DefaultStream,
		Group:         "aether-usage",
		DLQ:           DefaultDLQ,
		Batch:         100,
		Block:         2 * time.Second,
		ClaimInterval: 30 * time.Second,
		ClaimIdle:     time.Minute,
		MaxRetries:    3,
		DLQMaxLen:     10000,
	}
}

// Gauges receives periodic stream depth observations.
type Gauges interface {
	ObserveUsageStream(group string, lag, pending int64)
}

// Consumer drains the usage event stream into the store through a
// consumer group, reclaiming stalled deliveries and dead-lettering
// poison events.
type Consumer struct {
	rdb    redis.UniversalClient
	store  storage.UsageStore
	cfg    ConsumerConfig
	name   string
	logger *slog.Logger
	gauges Gauges
}

// NewConsumer creates a consumer named host:pid.
func NewConsumer(rdb redis.UniversalClient, store storage.UsageStore, cfg ConsumerConfig, logger *slog.Logger, gauges Gauges) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "aether"
	}
	return &Consumer{
		rdb:    rdb,
		store:  store,
		cfg:    cfg,
		name:   fmt.Sprintf("%s:%d", host, os.Getpid()),
		logger: logger,
		gauges: gauges,
	}
}

// Run consumes until ctx is cancelled. The consumer group is created on
// entry; an existing group is fine.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0-0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	lastClaim := time.Time{}
	lastGauge := time.Time{}
	for {
		if ctx.Err() != nil {
			return nil
		}
		now := time.Now()
		if now.Sub(lastClaim) >= c.cfg.ClaimInterval {
			c.claimStalled(ctx)
			lastClaim = now
		}
		if c.gauges != nil && now.Sub(lastGauge) >= c.cfg.ClaimInterval {
			c.observeDepth(ctx)
			lastGauge = now
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.name,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    c.cfg.Batch,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			c.logger.Warn("usage stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			c.process(ctx, s.Messages)
		}
	}
}

// claimStalled takes over deliveries idle past the claim threshold.
func (c *Consumer) claimStalled(ctx context.Context) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.name,
		MinIdle:  c.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    c.cfg.Batch,
	}).Result()
	if err != nil && err != redis.Nil {
		c.logger.Warn("usage stream autoclaim failed", "error", err)
		return
	}
	if len(msgs) > 0 {
		c.process(ctx, msgs)
	}
}

// process applies one batch: streaming markers one-by-one, terminal rows
// through a single bulk upsert with a per-event fallback.
func (c *Consumer) process(ctx context.Context, msgs []redis.XMessage) {
	var acks []string
	var failed []redis.XMessage
	var terminalRows []*gateway.Usage
	var terminalMsgs []redis.XMessage

	for _, msg := range msgs {
		typ := EventType(field(msg, "event_type"))
		switch {
		case typ == EventStreaming:
			requestID := field(msg, "request_id")
			firstByte, _ := strconv.ParseInt(field(msg, "first_byte_ms"), 10, 64)
			if err := c.store.MarkUsageStreaming(ctx, requestID, firstByte); err != nil {
				c.logger.Warn("streaming event apply failed", "request_id", requestID, "error", err)
				failed = append(failed, msg)
			} else {
				acks = append(acks, msg.ID)
			}
		case typ.Terminal() && typ != "":
			row, err := rowFromPayload([]byte(field(msg, "payload_json")))
			if err != nil || row.RequestID == "" {
				// Unparseable events never succeed; dead-letter them.
				c.deadLetter(ctx, msg, fmt.Sprintf("bad payload: %v", err))
				acks = append(acks, msg.ID)
				continue
			}
			terminalRows = append(terminalRows, row)
			terminalMsgs = append(terminalMsgs, msg)
		default:
			c.deadLetter(ctx, msg, "unknown event type")
			acks = append(acks, msg.ID)
		}
	}

	if len(terminalRows) > 0 {
		if err := c.store.UpsertUsageTerminal(ctx, terminalRows); err == nil {
			for _, msg := range terminalMsgs {
				acks = append(acks, msg.ID)
			}
		} else {
			// Bulk failed; retry rows one at a time so one poison row
			// cannot wedge the batch.
			for i, row := range terminalRows {
				if err := c.store.UpsertUsageTerminal(ctx, []*gateway.Usage{row}); err != nil {
					failed = append(failed, terminalMsgs[i])
				} else {
					acks = append(acks, terminalMsgs[i].ID)
				}
			}
		}
	}

	c.ack(ctx, acks)
	c.retryOrBury(ctx, failed)
}

// ack acknowledges processed ids in one pipeline round trip.
func (c *Consumer) ack(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	pipe := c.rdb.Pipeline()
	for _, id := range ids {
		pipe.XAck(ctx, c.cfg.Stream, c.cfg.Group, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("usage stream ack failed", "count", len(ids), "error", err)
	}
}

// retryOrBury dead-letters messages past the retry budget and leaves the
// rest pending for the next claim cycle.
func (c *Consumer) retryOrBury(ctx context.Context, failed []redis.XMessage) {
	for _, msg := range failed {
		pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: c.cfg.Stream,
			Group:  c.cfg.Group,
			Start:  msg.ID,
			End:    msg.ID,
			Count:  1,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}
		if pending[0].RetryCount >= c.cfg.MaxRetries {
			c.deadLetter(ctx, msg, "retries exhausted")
			c.ack(ctx, []string{msg.ID})
		}
	}
}

// deadLetter copies the event to the DLQ with its source id and error.
func (c *Consumer) deadLetter(ctx context.Context, msg redis.XMessage, reason string) {
	if len(reason) > 200 {
		reason = reason[:200]
	}
	values := make(map[string]any, len(msg.Values)+2)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["source_id"] = msg.ID
	values["error"] = reason
	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQ,
		MaxLen: c.cfg.DLQMaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		c.logger.Error("dead letter publish failed", "source_id", msg.ID, "error", err)
	}
}

// observeDepth exports group lag and pending counts.
func (c *Consumer) observeDepth(ctx context.Context) {
	groups, err := c.rdb.XInfoGroups(ctx, c.cfg.Stream).Result()
	if err != nil {
		return
	}
	for _, g := range groups {
		if g.Name == c.cfg.Group {
			c.gauges.ObserveUsageStream(g.Name, g.Lag, g.Pending)
		}
	}
}

func field(msg redis.XMessage, name string) string {
	if v, ok := msg.Values[name].(string); ok {
		return v
	}
	return ""
}
