package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"kworker/sink"
)

func TestDriver_ProduceBatch(t *testing.T) {
	mp := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	var seen []string
	for range 2 {
		mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			seen = append(seen, string(val))
			return nil
		})
	}

	d := NewWithProducer(mp)
	select {
	case <-d.Ready():
	default:
		t.Fatal("wrapped producer must be ready")
	}

	err := d.Produce(context.Background(), "out", [][]byte{[]byte(`{"a":1}`), []byte(`{"a":2}`)})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":1}`, `{"a":2}`}, seen)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close(), "close is idempotent")
}

func TestDriver_ProduceFailure(t *testing.T) {
	mp := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	mp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	d := NewWithProducer(mp)
	err := d.Produce(context.Background(), "out", [][]byte{[]byte(`{}`)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sarama.ErrNotLeaderForPartition))
	require.NoError(t, d.Close())
}

func TestDriver_ProduceCarriesTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0xf7, 0x65, 0x19, 0x16, 0xcd, 0x43, 0xdd, 0x84, 0x48, 0xeb, 0x21, 0x1c, 0x80, 0x31, 0x9c},
		SpanID:     trace.SpanID{0xb7, 0xad, 0x6b, 0x71, 0x69, 0x20, 0x33, 0x31},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	mp := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	var got map[string]string
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		got = map[string]string{}
		for _, h := range msg.Headers {
			got[string(h.Key)] = string(h.Value)
		}
		return nil
	})

	d := NewWithProducer(mp)
	require.NoError(t, d.Produce(ctx, "out", [][]byte{[]byte(`{}`)}))
	assert.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", got["traceparent"])
	require.NoError(t, d.Close())
}

func TestDriver_NotReadyBeforeConnect(t *testing.T) {
	d := &driver{ready: make(chan struct{})}
	err := d.Produce(context.Background(), "out", [][]byte{[]byte(`{}`)})
	assert.ErrorIs(t, err, sink.ErrNotReady)
}

func TestDriver_ConfigureRejectsBadInput(t *testing.T) {
	d := New()
	assert.Error(t, d.Configure("nope"))
	assert.Error(t, d.Configure(Config{}))
}

func TestConfig_SaramaConfig(t *testing.T) {
	c := Config{Brokers: []string{"b:9092"}}
	c.applyDefaults()
	sc, err := c.saramaConfig()
	require.NoError(t, err)
	assert.True(t, sc.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
}
