package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"kworker/internal/telemetry"
	"kworker/source/kafka"

	retry "github.com/avast/retry-go/v5"
)

// untilDone runs fn every delay until it succeeds or ctx ends. A revoked
// partition ends the loop at once; retrying cannot commit it.
func untilDone(ctx context.Context, delay time.Duration, onFail func(attempt uint, err error), fn func() error) error {
	return retry.New(
		retry.Context(ctx),
		retry.UntilSucceeded(),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(onFail),
	).Do(func() error {
		err := fn()
		if errors.Is(err, kafka.ErrRevoked) {
			return retry.Unrecoverable(err)
		}
		return err
	})
}

// RetryCoordinator moves a failed message to the retry topic and then
// commits it.
type RetryCoordinator struct {
	topic   string
	isRetry bool
	delay   time.Duration
	sender  *Sender
	tracer  *Tracer
	commit  func(context.Context, *Delivery) error
	kind    string
	log     *slog.Logger
}

// RetryAndCommit republishes the fetched bytes unchanged, retrying forever
// at a fixed delay, then commits the original. A failed commit is retried
// on its own and never causes a second republish.
func (r *RetryCoordinator) RetryAndCommit(ctx context.Context, d *Delivery, cause error) {
	msg := d.Message
	telemetry.Worker.Failed.WithLabelValues(r.kind).Inc()
	d.Log.Add(slog.LevelError, "process", cause.Error())
	if r.isRetry {
		r.tracer.Track(ctx, msg.Topic, []Value{msg.traceValue()}, StatusFailed, nil)
	}

	if r.topic == "" {
		// retries are disabled and there is nowhere to park the message
		d.Log.Add(slog.LevelError, "retry", "no retry topic; message dropped")
		d.Log.EndError(nil)
		r.commitLoop(ctx, d)
		return
	}

	d.Log.Extend("retryTopic", r.topic)
	err := untilDone(ctx, r.delay, func(n uint, err error) {
		d.Log.Add(slog.LevelError, "republish", err.Error())
		r.log.Error("retry: republish failed; retrying",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"retry_topic", r.topic, "attempt", n+1, "in", r.delay, "err", err)
	}, func() error {
		return r.sender.Republish(ctx, r.topic, msg.Raw)
	})
	if err != nil {
		d.Log.Add(slog.LevelError, "republish", "abandoned: "+err.Error())
		d.Log.EndError(nil)
		return
	}
	d.Log.EndError(nil)
	telemetry.Worker.Retried.WithLabelValues(r.kind).Inc()
	r.tracer.Track(ctx, msg.Topic, []Value{msg.traceValue()}, StatusRetried, nil)

	r.commitLoop(ctx, d)
}

func (r *RetryCoordinator) commitLoop(ctx context.Context, d *Delivery) {
	msg := d.Message
	err := untilDone(ctx, r.delay, func(n uint, err error) {
		telemetry.Worker.CommitRetries.WithLabelValues(r.kind).Inc()
		r.log.Error("retry: commit failed; retrying",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempt", n+1, "err", err)
	}, func() error {
		return r.commit(ctx, d)
	})
	switch {
	case errors.Is(err, kafka.ErrRevoked):
		r.log.Info("retry: partition revoked; original will be redelivered",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	case err != nil:
		r.log.Warn("retry: commit abandoned", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
	}
}
