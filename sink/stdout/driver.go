// Package stdout is a dry-run sink that prints produced messages.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"kworker/sink"
)

/* ────────── public config ────────── */
type Config struct {
	DelayMS       int  `koanf:"delay_ms" yaml:"delay_ms"`           // artificial per-batch delay
	PrintCounter  bool `koanf:"print_counter" yaml:"print_counter"` // prepend seq#
	PrintValue    bool `koanf:"print_value" yaml:"print_value"`
	ValueMaxBytes int  `koanf:"value_max_bytes" yaml:"value_max_bytes"` // 0 = untruncated
}

/* ────────── driver ────────── */
type driver struct {
	cfg   Config
	out   io.Writer
	ready chan struct{}

	mu  sync.Mutex // serialises writes
	seq atomic.Uint64
}

func New() sink.Adapter { return NewWriter(os.Stdout) }

func NewWriter(w io.Writer) sink.Adapter {
	d := &driver{out: w, ready: make(chan struct{})}
	close(d.ready)
	return d
}

/* ────────── sink.Adapter ────────── */
func (d *driver) Configure(raw any) error {
	switch c := raw.(type) {
	case nil:
	case Config:
		d.cfg = c
	case *Config:
		d.cfg = *c
	default:
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	return nil
}

func (d *driver) Ready() <-chan struct{} { return d.ready }

func (d *driver) Produce(ctx context.Context, topic string, values [][]byte) error {
	if d.cfg.DelayMS > 0 {
		select {
		case <-time.After(time.Duration(d.cfg.DelayMS) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range values {
		n := d.seq.Add(1)
		var err error
		switch {
		case d.cfg.PrintValue:
			_, err = fmt.Fprintf(d.out, "[sink %06d] %s %s\n", n, topic, d.clip(v))
		case d.cfg.PrintCounter:
			_, err = fmt.Fprintf(d.out, "[sink %06d] %s (%d bytes)\n", n, topic, len(v))
		default:
			_, err = fmt.Fprintf(d.out, "%s %s\n", topic, v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) clip(v []byte) []byte {
	if d.cfg.ValueMaxBytes > 0 && len(v) > d.cfg.ValueMaxBytes {
		return v[:d.cfg.ValueMaxBytes]
	}
	return v
}

func (d *driver) Close() error { return nil }

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", New)
}
