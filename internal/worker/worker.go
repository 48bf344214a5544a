package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"kworker/internal/telemetry"
	"kworker/sink"
	"kworker/source/kafka"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var otelTracer = otel.Tracer("kworker/worker")

// drainGrace bounds the wait for in-flight work after its context was
// cancelled at the shutdown deadline.
const drainGrace = 5 * time.Second

type Options struct {
	Kind     string
	ID       int
	Config   Config
	Contract Contract
	Source   kafka.Adapter
	Producer sink.Adapter
	// OwnsProducer makes Close close the producer too.
	OwnsProducer bool
	Logger       *slog.Logger
	// OnFatal receives errors the worker cannot recover from.
	OnFatal func(error)
}

// Delivery pairs a fetched message with its log trace. It is handed to
// every completion step instead of attaching state to the message.
type Delivery struct {
	Message *Message
	Log     *MessageLog

	started   time.Time
	committed atomic.Bool // marker released, by a commit or a revocation
	revoked   atomic.Bool
	finished  atomic.Bool
}

// Worker consumes through one binding, runs the contract for every message
// and commits once the derived messages are sent.
type Worker struct {
	kind     string
	id       int
	cfg      Config
	contract Contract
	src      kafka.Adapter
	producer sink.Adapter
	ownsProd bool
	log      *slog.Logger
	onFatal  func(error)

	// prop reads the producer's trace context from record headers
	prop propagation.TextMapPropagator

	tracker *FetchTracker
	tracer  *Tracer
	sender  *Sender
	retry   *RetryCoordinator
	repair  *OffsetRepair

	workCtx  context.Context
	stopWork context.CancelFunc

	mu        sync.Mutex
	started   bool
	closing   bool
	inflight  sync.WaitGroup
	stopFetch context.CancelFunc
	runDone   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func New(opts Options) (*Worker, error) {
	switch {
	case opts.Contract == nil:
		return nil, ErrNilContract
	case opts.Source == nil:
		return nil, ErrNilAdapter
	case opts.Producer == nil:
		return nil, ErrNilProducer
	}
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("kind", opts.Kind, "worker", opts.ID)

	w := &Worker{
		kind:     opts.Kind,
		id:       opts.ID,
		cfg:      cfg,
		contract: opts.Contract,
		src:      opts.Source,
		producer: opts.Producer,
		ownsProd: opts.OwnsProducer,
		log:      log,
		onFatal:  opts.OnFatal,
		prop:     otel.GetTextMapPropagator(),
	}
	w.workCtx, w.stopWork = context.WithCancel(context.Background())

	gauge := telemetry.Worker.Inflight.WithLabelValues(opts.Kind)
	w.tracker = NewFetchTracker(opts.Source, log, func(n int) { gauge.Set(float64(n)) })

	ready := newReadyGate(opts.Producer)
	w.tracer = &Tracer{
		producer:  opts.Producer,
		ready:     ready,
		topic:     cfg.TraceTopic,
		enabled:   cfg.Tracking(),
		retryOnly: cfg.IsRetry,
		kind:      opts.Kind,
		log:       log,
		now:       time.Now,
	}
	w.sender = &Sender{
		producer: opts.Producer,
		ready:    ready,
		tracer:   w.tracer,
		maxCount: cfg.MaxSendMessageCount,
		maxBytes: cfg.MaxMessageBytes,
		kind:     opts.Kind,
		log:      log,
		newID:    newMessageID,
		now:      time.Now,
	}
	w.retry = &RetryCoordinator{
		topic:   cfg.RetryTopic,
		isRetry: cfg.IsRetry,
		delay:   cfg.RetryDelay,
		sender:  w.sender,
		tracer:  w.tracer,
		commit:  w.commit,
		kind:    opts.Kind,
		log:     log,
	}
	w.repair = &OffsetRepair{
		src:     opts.Source,
		tracker: w.tracker,
		reset:   cfg.OffsetReset,
		onFatal: w.fatal,
		kind:    opts.Kind,
		log:     log,
	}
	return w, nil
}

func (w *Worker) Kind() string           { return w.kind }
func (w *Worker) ID() int                { return w.id }
func (w *Worker) Tracker() *FetchTracker { return w.tracker }
func (w *Worker) Sender() *Sender        { return w.sender }

// Start begins consuming. The consumer runs until Close or until ctx ends.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing {
		return ErrClosed
	}
	if w.started {
		return ErrStarted
	}
	w.started = true

	runCtx, cancel := context.WithCancel(ctx)
	w.stopFetch = cancel
	w.runDone = make(chan struct{})
	go func() {
		defer close(w.runDone)
		err := w.src.Run(runCtx, w.handle, w.onOutOfRange)
		if err != nil && !errors.Is(err, context.Canceled) && !w.isClosing() {
			w.fatal(fmt.Errorf("worker %s/%d: consumer stopped: %w", w.kind, w.id, err))
		}
	}()
	w.log.Info("worker started", "retry_topic", w.cfg.RetryTopic, "is_retry", w.cfg.IsRetry, "commit_mode", string(w.cfg.CommitMode))
	return nil
}

func (w *Worker) isClosing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closing
}

// spawn runs fn as tracked in-flight work unless the worker is closing.
func (w *Worker) spawn(fn func()) bool {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return false
	}
	w.inflight.Add(1)
	w.mu.Unlock()
	go func() {
		defer w.inflight.Done()
		fn()
	}()
	return true
}

func (w *Worker) handle(rec *kafka.Record) {
	msg := newMessage(rec)
	w.mu.Lock()
	closing := w.closing
	w.mu.Unlock()
	if closing {
		// not tracked and not committed, so it is fetched again later
		w.log.Debug("fetch ignored during shutdown", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
		return
	}
	w.tracker.OnFetched(msg)
	telemetry.Worker.Fetched.WithLabelValues(w.kind).Inc()
	if !w.spawn(func() { w.process(w.workCtx, msg) }) {
		w.tracker.OnCommitted(msg)
	}
}

func (w *Worker) onOutOfRange(topic string, partition int32) {
	w.spawn(func() { _ = w.repair.Handle(w.workCtx, topic, partition) })
}

func (w *Worker) fatal(err error) {
	if w.onFatal != nil {
		w.onFatal(err)
		return
	}
	w.log.Error("worker fault", "err", err)
}

func (w *Worker) process(ctx context.Context, msg *Message) {
	started := time.Now()
	value, perr := ParseValue(msg.Raw)
	if perr != nil {
		d := &Delivery{Message: msg, Log: newMessageLog(w.log, msg, nil), started: started}
		w.retry.RetryAndCommit(ctx, d, fmt.Errorf("%w: %v", ErrMalformedPayload, perr))
		return
	}
	msg.Value = value
	w.tracer.Track(ctx, msg.Topic, []Value{value}, StatusFetched, nil)

	ctx = w.prop.Extract(ctx, propagation.MapCarrier(msg.Headers))
	ctx, span := otelTracer.Start(ctx, "worker.process", trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(
		attribute.String("kind", w.kind),
		attribute.String("topic", msg.Topic),
		attribute.Int("partition", int(msg.Partition)),
		attribute.Int64("offset", msg.Offset),
		attribute.String("message_id", value.MessageID()),
	))
	defer span.End()

	var props map[string]any
	ok := true
	err := guard(func() error {
		props = w.contract.LogTraceProps(msg)
		ok = w.contract.Validate(msg)
		return nil
	})
	d := &Delivery{Message: msg, Log: newMessageLog(w.log, msg, props), started: started}
	d.Log.Add(slog.LevelInfo, "process", "STARTED")
	if err == nil && !ok {
		d.Log.Add(slog.LevelWarn, "validate", "did not pass validation, processing skipped")
		w.complete(ctx, d, nil)
		return
	}

	var ids []string
	if err == nil {
		var next []NextMessage
		err = guard(func() (perr error) {
			next, perr = w.contract.Process(ctx, msg)
			return perr
		})
		if err == nil && len(next) > 0 {
			ids, err = w.sendNext(ctx, d, next)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if w.cfg.RetryDisabled {
			d.Log.Add(slog.LevelError, "process", err.Error())
			w.complete(ctx, d, nil)
			return
		}
		w.retry.RetryAndCommit(ctx, d, err)
		return
	}
	d.Log.Since(slog.LevelInfo, "process", "COMPLETED", started)
	w.complete(ctx, d, ids)
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrContractPanic, r)
		}
	}()
	return fn()
}

// sendNext stamps lineage on every next message, sends each topic's group
// concurrently and returns the assigned ids in input order.
func (w *Worker) sendNext(ctx context.Context, d *Delivery, next []NextMessage) ([]string, error) {
	parent := d.Message.Value
	parentID := parent.MessageID()
	origin := parent.OriginID()
	if origin == "" {
		origin = parentID
	}

	var topics []string
	groups := make(map[string][]int)
	for i := range next {
		nm := &next[i]
		if nm.Topic == "" {
			return nil, fmt.Errorf("%w (index %d)", ErrNoTopic, i)
		}
		if nm.Value == nil {
			nm.Value = Value{}
		}
		if parentID != "" {
			nm.Value["correlationId"] = parentID
		}
		if origin != "" {
			nm.Value["originId"] = origin
		}
		if _, ok := groups[nm.Topic]; !ok {
			topics = append(topics, nm.Topic)
		}
		groups[nm.Topic] = append(groups[nm.Topic], i)
	}
	counts := make(map[string]int, len(groups))
	for t, idx := range groups {
		counts[t] = len(idx)
	}
	d.Log.Extend("nextMessages", counts)
	d.Log.Extend("originId", origin)

	ids := make([]string, len(next))
	var g errgroup.Group
	for _, topic := range topics {
		idx := groups[topic]
		values := make([]Value, len(idx))
		for j, i := range idx {
			values[j] = next[i].Value
		}
		g.Go(func() error {
			got, err := w.sender.Send(ctx, topic, values)
			if err != nil {
				return err
			}
			for j, i := range idx {
				ids[i] = got[j]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (w *Worker) complete(ctx context.Context, d *Delivery, nextIDs []string) {
	if w.cfg.CommitMode == CommitOffset {
		w.DoneOffset(ctx, d, nextIDs)
		return
	}
	w.Done(ctx, d, nextIDs)
}

// commit is the completion commit used by the retry path.
func (w *Worker) commit(ctx context.Context, d *Delivery) error {
	if w.cfg.CommitMode == CommitOffset {
		return w.CommitOffset(ctx, d)
	}
	return w.CommitMessage(ctx, d)
}

// Done commits the message, retrying every commit_retry_delay until it
// succeeds, then records SUCCEEDED with nextIDs. Repeated calls are no-ops.
func (w *Worker) Done(ctx context.Context, d *Delivery, nextIDs []string) {
	w.finish(ctx, d, nextIDs, "commit", w.CommitMessage)
}

// DoneOffset is Done with a positional commit instead of the group
// checkpoint.
func (w *Worker) DoneOffset(ctx context.Context, d *Delivery, nextIDs []string) {
	w.finish(ctx, d, nextIDs, "commit offset", w.CommitOffset)
}

func (w *Worker) finish(ctx context.Context, d *Delivery, nextIDs []string, op string, commit func(context.Context, *Delivery) error) {
	if !d.finished.CompareAndSwap(false, true) {
		return
	}
	d.Log.EndSuccess(nextIDs)
	msg := d.Message

	err := untilDone(ctx, w.cfg.CommitRetryDelay, func(n uint, err error) {
		telemetry.Worker.CommitRetries.WithLabelValues(w.kind).Inc()
		w.log.Error(op+" failed; retrying",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"attempt", n+1, "in", w.cfg.CommitRetryDelay, "err", err)
	}, func() error {
		return commit(ctx, d)
	})
	if errors.Is(err, kafka.ErrRevoked) {
		w.log.Info("partition revoked before "+op+"; message will be redelivered",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		return
	}
	if err != nil {
		w.log.Warn(op+" abandoned", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return
	}
	telemetry.Worker.Succeeded.WithLabelValues(w.kind).Inc()
	if !d.started.IsZero() {
		telemetry.Worker.ProcessSeconds.WithLabelValues(w.kind).Observe(time.Since(d.started).Seconds())
	}
	w.tracer.Track(ctx, msg.Topic, []Value{msg.traceValue()}, StatusSucceeded, nextIDs)
}

// CommitMessage makes one attempt to commit through the group checkpoint.
// The fetch marker is released only after the commit is acknowledged.
// A revoked partition releases the marker without recording a commit.
func (w *Worker) CommitMessage(ctx context.Context, d *Delivery) error {
	if d.revoked.Load() {
		return kafka.ErrRevoked
	}
	if d.committed.Load() {
		return nil
	}
	msg := d.Message
	if err := w.src.Commit(ctx, msg.rec); err != nil {
		if errors.Is(err, kafka.ErrRevoked) {
			w.release(d)
		}
		return err
	}
	w.committed(ctx, d)
	return nil
}

// release frees the fetch marker of a message that will be redelivered
// elsewhere, so flow control does not wait on it.
func (w *Worker) release(d *Delivery) {
	d.revoked.Store(true)
	if !d.committed.CompareAndSwap(false, true) {
		return
	}
	w.tracker.OnCommitted(d.Message)
}

// CommitOffset makes one attempt to store offset+1 for the message's
// partition directly, then releases its fetch marker.
func (w *Worker) CommitOffset(ctx context.Context, d *Delivery) error {
	if d.committed.Load() {
		return nil
	}
	msg := d.Message
	if err := w.src.CommitOffset(ctx, msg.Topic, msg.Partition, msg.Offset+1); err != nil {
		return err
	}
	w.committed(ctx, d)
	return nil
}

func (w *Worker) committed(ctx context.Context, d *Delivery) {
	if !d.committed.CompareAndSwap(false, true) {
		return
	}
	msg := d.Message
	w.tracker.OnCommitted(msg)
	telemetry.Worker.Committed.WithLabelValues(w.kind).Inc()
	w.tracer.Track(ctx, msg.Topic, []Value{msg.traceValue()}, StatusCommitted, nil)
}

// SendMessages exposes the worker's sender to contracts that produce
// outside of Process results.
func (w *Worker) SendMessages(ctx context.Context, topic string, values []Value) ([]string, error) {
	return w.sender.Send(ctx, topic, values)
}

// Close stops fetching, waits for in-flight messages until ctx ends, then
// closes the consumer and, when owned, the producer.
func (w *Worker) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closing = true
		started := w.started
		w.mu.Unlock()

		if started {
			w.src.Pause()
		}
		if !waitGroup(ctx, &w.inflight) {
			w.log.Warn("shutdown deadline reached; abandoning in-flight messages", "inflight", w.tracker.Inflight())
			w.stopWork()
			gctx, cancel := context.WithTimeout(context.Background(), drainGrace)
			if !waitGroup(gctx, &w.inflight) {
				w.log.Error("in-flight work ignored cancellation")
			}
			cancel()
		}
		w.tracer.Close()

		err := w.src.Close(w.cfg.ForceCommit)
		if w.stopFetch != nil {
			w.stopFetch()
			<-w.runDone
		}
		w.stopWork()
		if w.ownsProd {
			err = errors.Join(err, w.producer.Close())
		}
		w.closeErr = err
		w.log.Info("worker closed", "force_commit", w.cfg.ForceCommit, "err", err)
	})
	return w.closeErr
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
