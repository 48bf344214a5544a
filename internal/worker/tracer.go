package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"kworker/internal/telemetry"
	"kworker/sink"
)

type Status int

const (
	StatusSent Status = iota
	StatusFetched
	StatusCommitted
	StatusRetried
	StatusFailed
	StatusSucceeded
)

var statusNames = [...]string{"SENT", "FETCHED", "COMMITTED", "RETRIED", "FAILED", "SUCCEEDED"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	}{int(s), s.String()})
}

// TraceEvent is one lineage record on the trace topic.
type TraceEvent struct {
	MessageID          string   `json:"messageId,omitempty"`
	RealmID            any      `json:"realmId,omitempty"`
	Topic              string   `json:"topic"`
	PreviousMessageID  string   `json:"previousMessageId,omitempty"`
	NextMessageIDs     []string `json:"nextMessageIds"`
	Status             Status   `json:"status"`
	RetryCount         int64    `json:"retryCount"`
	CreatedAt          string   `json:"createdAt"`
	CreatedAtTimestamp int64    `json:"createdAtTimestamp"`
}

// Tracer publishes lineage events in the background. Failures are logged
// and never reach the caller.
type Tracer struct {
	producer  sink.Adapter
	ready     *readyGate
	topic     string
	enabled   bool
	retryOnly bool
	kind      string
	log       *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (t *Tracer) Track(ctx context.Context, topic string, values []Value, status Status, nextIDs []string) {
	if t == nil || !t.enabled || len(values) == 0 {
		return
	}
	if t.retryOnly && status != StatusRetried && status != StatusFailed {
		return
	}

	now := t.now()
	payloads := make([][]byte, 0, len(values))
	for _, v := range values {
		ev := TraceEvent{
			MessageID:          v.MessageID(),
			RealmID:            v["realmId"],
			Topic:              topic,
			PreviousMessageID:  v.CorrelationID(),
			NextMessageIDs:     nextIDs,
			Status:             status,
			RetryCount:         v.RetryCount(),
			CreatedAt:          now.UTC().Format(time.RFC3339Nano),
			CreatedAtTimestamp: now.UnixMilli(),
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			t.log.Error("trace: encode event", "status", status.String(), "err", err)
			continue
		}
		payloads = append(payloads, raw)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.log.Debug("trace: dropped after close", "status", status.String(), "topic", topic)
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		err := t.ready.wait(ctx)
		if err == nil {
			err = t.producer.Produce(ctx, t.topic, payloads)
		}
		if err != nil {
			telemetry.Worker.TraceErrors.WithLabelValues(t.kind).Inc()
			t.log.Error("trace: send failed", "topic", topic, "status", status.String(), "count", len(payloads), "err", err)
		}
	}()
}

// Close waits for pending events; later Track calls are dropped.
func (t *Tracer) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
}
