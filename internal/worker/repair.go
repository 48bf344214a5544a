package worker

import (
	"context"
	"fmt"
	"log/slog"

	"kworker/internal/telemetry"
	"kworker/source/kafka"
)

// OffsetRepair moves a partition whose stored offset fell out of the log
// back to a valid position.
type OffsetRepair struct {
	src     kafka.Adapter
	tracker *FetchTracker
	reset   OffsetReset
	onFatal func(error)
	kind    string
	log     *slog.Logger
}

func (r *OffsetRepair) Handle(ctx context.Context, topic string, partition int32) error {
	r.src.Pause()

	at := kafka.OffsetEarliest
	if r.reset == ResetLatest {
		at = kafka.OffsetLatest
	}
	off, err := r.src.ResolveOffset(ctx, topic, partition, at)
	if err != nil {
		return r.fail(topic, partition, "resolve", err)
	}
	if err := r.src.Seek(ctx, topic, partition, off); err != nil {
		return r.fail(topic, partition, "seek", err)
	}
	telemetry.Worker.OffsetRepairs.WithLabelValues(r.kind).Inc()
	r.log.Warn("offset repaired", "topic", topic, "partition", partition, "offset", off, "policy", string(r.reset))

	r.tracker.ResumeIfDrained()
	return nil
}

func (r *OffsetRepair) fail(topic string, partition int32, step string, err error) error {
	err = fmt.Errorf("%w: %s %s/%d: %v", ErrOffsetRepair, step, topic, partition, err)
	r.log.Error("offset repair failed; partition stays paused", "topic", topic, "partition", partition, "err", err)
	if r.onFatal != nil {
		r.onFatal(err)
	}
	return err
}
