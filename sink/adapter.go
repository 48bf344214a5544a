package sink

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotReady = errors.New("sink: producer not ready")

// Adapter is the produce side every worker talks to.
type Adapter interface {
	Configure(any) error // driver-specific config struct
	// Ready is closed once the producer can accept messages.
	Ready() <-chan struct{}
	// Produce writes values to topic as one batch and returns once every
	// value is acknowledged or the batch failed.
	Produce(ctx context.Context, topic string, values [][]byte) error
	Close() error // idempotent
}

/*──────── registry ───────*/

type factory = func() Adapter

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func NewAdapter(name string) (Adapter, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}
