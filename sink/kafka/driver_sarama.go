package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kworker/internal/logging"
	"kworker/sink"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	retry "github.com/avast/retry-go/v5"
)

type Config struct {
	Brokers      []string      `koanf:"brokers" yaml:"brokers"`
	Version      string        `koanf:"version" yaml:"version"`
	ClientID     string        `koanf:"client_id" yaml:"client_id"`
	Acks         int16         `koanf:"required_acks" yaml:"required_acks"` // 1,-1 (unset means -1)
	MaxBytes     int           `koanf:"max_message_bytes" yaml:"max_message_bytes"`
	ConnectRetry time.Duration `koanf:"connect_retry" yaml:"connect_retry"`
	TLSEn        bool          `koanf:"tls_enabled" yaml:"tls_enabled"`
	SASLUser     string        `koanf:"sasl_user" yaml:"sasl_user"`
	SASLPass     string        `koanf:"sasl_pass" yaml:"sasl_pass"`
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.ClientID == "" {
		c.ClientID = "kworker"
	}
	if c.Acks == 0 {
		c.Acks = int16(sarama.WaitForAll)
	}
	if c.ConnectRetry <= 0 {
		c.ConnectRetry = 5 * time.Second
	}
}

func (c Config) saramaConfig() (*sarama.Config, error) {
	ver, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.ClientID = c.ClientID
	sc.Producer.RequiredAcks = sarama.RequiredAcks(c.Acks)
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	if c.MaxBytes > 0 {
		sc.Producer.MaxMessageBytes = c.MaxBytes
	}
	if c.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if c.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = c.SASLUser, c.SASLPass
	}
	return sc, nil
}

type driver struct {
	cfg Config

	mu    sync.Mutex
	p     sarama.SyncProducer
	ready chan struct{}

	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func New() sink.Adapter { return &driver{ready: make(chan struct{})} }

// NewWithProducer wraps an already connected producer.
func NewWithProducer(p sarama.SyncProducer) sink.Adapter {
	d := &driver{p: p, ready: make(chan struct{})}
	close(d.ready)
	return d
}

// Configure validates the config and starts connecting in the background;
// Ready is closed once the first connection succeeds.
func (d *driver) Configure(c any) error {
	var cfg Config
	switch v := c.(type) {
	case Config:
		cfg = v
	case *Config:
		cfg = *v
	default:
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	if len(cfg.Brokers) == 0 {
		return errors.New("kafka-sink: no brokers configured")
	}
	cfg.applyDefaults()
	sc, err := cfg.saramaConfig()
	if err != nil {
		return err
	}
	d.cfg = cfg

	ctx, cancel := context.WithCancel(context.Background())
	d.stop = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.connect(ctx, sc)
	}()
	return nil
}

func (d *driver) connect(ctx context.Context, sc *sarama.Config) {
	err := retry.New(
		retry.Context(ctx),
		retry.UntilSucceeded(),
		retry.Delay(d.cfg.ConnectRetry),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			logging.L().Warn("kafka-sink: producer connect failed", "attempt", n+1, "err", err)
		}),
	).Do(func() error {
		p, err := sarama.NewSyncProducer(d.cfg.Brokers, sc)
		if err != nil {
			return err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			_ = p.Close()
			return retry.Unrecoverable(sink.ErrNotReady)
		}
		d.p = p
		close(d.ready)
		return nil
	})
	if err == nil {
		logging.L().Info("kafka-sink: producer ready", "brokers", d.cfg.Brokers)
	}
}

func (d *driver) Ready() <-chan struct{} { return d.ready }

func (d *driver) Produce(ctx context.Context, topic string, values [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	p := d.p
	d.mu.Unlock()
	if p == nil {
		return sink.ErrNotReady
	}
	msgs := make([]*sarama.ProducerMessage, len(values))
	hdrs := traceHeaders(ctx)
	for i, v := range values {
		msgs[i] = &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(v), Headers: hdrs}
	}
	if err := p.SendMessages(msgs); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) && len(perrs) > 0 {
			return fmt.Errorf("kafka-sink: %d of %d messages to %s failed: %w", len(perrs), len(msgs), topic, perrs[0].Err)
		}
		return fmt.Errorf("kafka-sink: send to %s: %w", topic, err)
	}
	return nil
}

// traceHeaders carries the caller's span context to the consumer of the
// produced records.
func traceHeaders(ctx context.Context) []sarama.RecordHeader {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	hdrs := make([]sarama.RecordHeader, 0, len(carrier))
	for k, v := range carrier {
		hdrs = append(hdrs, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return hdrs
}

func (d *driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	p := d.p
	d.mu.Unlock()

	if d.stop != nil {
		d.stop()
	}
	d.wg.Wait()
	if p == nil {
		return nil
	}
	return p.Close()
}

func init() { sink.Register("kafka", New) }
