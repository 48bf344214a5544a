package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"kworker/internal/telemetry"
	"kworker/sink"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// readyGate waits for a producer's ready signal; after the first success
// it never blocks again.
type readyGate struct {
	ch <-chan struct{}
	ok atomic.Bool
}

func newReadyGate(p sink.Adapter) *readyGate { return &readyGate{ch: p.Ready()} }

func (g *readyGate) wait(ctx context.Context) error {
	if g.ok.Load() {
		return nil
	}
	select {
	case <-g.ch:
		g.ok.Store(true)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sender stamps and produces outgoing messages in bounded chunks.
type Sender struct {
	producer sink.Adapter
	ready    *readyGate
	tracer   *Tracer
	maxCount int
	maxBytes int
	kind     string
	log      *slog.Logger

	newID func() string
	now   func() time.Time
}

// Send produces values to topic and returns their messageIds in input
// order. Values missing messageId or createdAt are stamped in place.
// Chunks are sent concurrently; when one fails the others are not undone.
func (s *Sender) Send(ctx context.Context, topic string, values []Value) ([]string, error) {
	if len(values) == 0 {
		return nil, ErrEmptyBatch
	}
	ctx, span := otelTracer.Start(ctx, "sender.Send", trace.WithAttributes(
		attribute.String("topic", topic), attribute.Int("count", len(values))))
	defer span.End()

	if err := s.ready.wait(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	ids := make([]string, len(values))
	var chunks [][][]byte
	for start := 0; start < len(values); start += s.maxCount {
		end := min(start+s.maxCount, len(values))
		payloads := make([][]byte, 0, end-start)
		for i := start; i < end; i++ {
			if values[i] == nil {
				values[i] = Value{}
			}
			raw, err := s.stamp(values[i])
			if err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("sender: encode message %d for %s: %w", i, topic, err)
			}
			ids[i] = values[i].MessageID()
			payloads = append(payloads, raw)
		}
		chunks = append(chunks, payloads)
	}

	// Nothing is produced until every value encoded.
	s.log.Debug("sender: dispatching", "topic", topic, "count", len(values), "chunks", len(chunks))
	var g errgroup.Group
	for _, payloads := range chunks {
		g.Go(func() error { return s.producer.Produce(ctx, topic, payloads) })
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		telemetry.Worker.SendErrors.WithLabelValues(s.kind).Inc()
		s.log.Error("sender: send failed", "topic", topic, "count", len(values), "err", err)
		return nil, err
	}
	telemetry.Worker.Sent.WithLabelValues(s.kind).Add(float64(len(values)))
	s.tracer.Track(ctx, topic, values, StatusSent, nil)
	return ids, nil
}

func (s *Sender) stamp(v Value) ([]byte, error) {
	if !v.set("createdAt") {
		v["createdAt"] = s.now().UnixMilli()
	}
	if !v.set("messageId") {
		v["messageId"] = s.newID()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s.checkSize(v.MessageID(), len(raw))
	return raw, nil
}

func (s *Sender) checkSize(id string, n int) {
	if n > s.maxBytes {
		s.log.Warn("sender: message is too big", "messageId", id, "bytes", n, "limit", s.maxBytes)
	}
}

// Republish produces raw to topic exactly as fetched.
func (s *Sender) Republish(ctx context.Context, topic string, raw []byte) error {
	if err := s.ready.wait(ctx); err != nil {
		return err
	}
	s.checkSize("", len(raw))
	if err := s.producer.Produce(ctx, topic, [][]byte{raw}); err != nil {
		telemetry.Worker.SendErrors.WithLabelValues(s.kind).Inc()
		return err
	}
	return nil
}

func newMessageID() string { return uuid.NewString() }
