// Package usage moves telemetry from the dispatch path to the usage rows:
// an in-process batching writer, a Redis Streams queue writer with a
// consumer group, header/body capture policy, and the shared error
// classifier.
package usage

import (
	"context"
	"encoding/json"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

// EventType tags one telemetry event.
type EventType string

const (
	EventStreaming EventType = "STREAMING"
	EventCompleted EventType = "COMPLETED"
	EventFailed    EventType = "FAILED"
	EventCancelled EventType = "CANCELLED"
)

// Terminal reports whether the event settles its usage row.
func (t EventType) Terminal() bool { return t != EventStreaming }

// Status returns the usage row status the event maps to.
func (t EventType) Status() gateway.UsageStatus {
	switch t {
	case EventStreaming:
		return gateway.UsageStreaming
	case EventCompleted:
		return gateway.UsageCompleted
	case EventFailed:
		return gateway.UsageFailed
	case EventCancelled:
		return gateway.UsageCancelled
	}
	return gateway.UsagePending
}

// Event is one telemetry record. STREAMING events carry only the
// first-byte latency; terminal events carry the full row snapshot.
type Event struct {
	Type        EventType      `json:"event_type"`
	RequestID   string         `json:"request_id"`
	TsMs        int64          `json:"ts_ms"`
	FirstByteMs int64          `json:"first_byte_ms,omitempty"`
	Row         *gateway.Usage `json:"-"`
}

// Writer receives telemetry events from the dispatch path. Implementations
// must never block the request goroutine.
type Writer interface {
	RecordStreaming(ctx context.Context, requestID string, firstByteMs int64)
	RecordTerminal(ctx context.Context, typ EventType, row *gateway.Usage)
	Close(ctx context.Context) error
}

// sparsePayload serializes a usage row with wire defaults stripped:
// status 200, stream true, and zero token counts are implied.
func sparsePayload(row *gateway.Usage) ([]byte, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if v, ok := m["status_code"].(float64); ok && v == 200 {
		delete(m, "status_code")
	}
	if v, ok := m["stream"].(bool); ok && v {
		delete(m, "stream")
	}
	if tokens, ok := m["tokens"].(map[string]any); ok {
		for k, v := range tokens {
			if f, ok := v.(float64); ok && f == 0 {
				delete(tokens, k)
			}
		}
		if len(tokens) == 0 {
			delete(m, "tokens")
		}
	}
	return json.Marshal(m)
}

// rowFromPayload reverses sparsePayload, restoring the implied defaults.
func rowFromPayload(payload []byte) (*gateway.Usage, error) {
	var row gateway.Usage
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, err
	}
	var present map[string]json.RawMessage
	if err := json.Unmarshal(payload, &present); err != nil {
		return nil, err
	}
	if _, ok := present["status_code"]; !ok && row.Status == gateway.UsageCompleted {
		row.StatusCode = 200
	}
	if _, ok := present["stream"]; !ok {
		row.Stream = true
	}
	return &row, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
