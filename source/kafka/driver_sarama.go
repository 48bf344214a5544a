package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"kworker/internal/logging"

	"github.com/IBM/sarama"
)

var ErrNoSession = errors.New("kafka: no active group session")

type recordID struct {
	topic     string
	partition int32
	offset    int64
}

type partKey struct {
	topic     string
	partition int32
}

type pendingCommit struct {
	resolve  func() int64
	resolved bool
}

type SaramaDriver struct {
	cfg   Config
	cl    sarama.Client
	group sarama.ConsumerGroup

	mu      sync.Mutex
	sess    sarama.ConsumerGroupSession
	restart context.CancelFunc
	closing bool
	paused  bool
	parts   map[partKey]*checkpoint
	pending map[recordID]*pendingCommit

	// serialises broker commits so a slow older commit cannot land after a
	// newer one for the same partition
	commitMu sync.Mutex
}

func (d *SaramaDriver) Configure(config Config) error {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}
	d.cfg = config
	d.parts = make(map[partKey]*checkpoint)
	d.pending = make(map[recordID]*pendingCommit)

	sc, err := config.saramaConfig()
	if err != nil {
		return err
	}
	if d.cl, err = sarama.NewClient(config.Brokers, sc); err != nil {
		return err
	}
	d.group, err = sarama.NewConsumerGroupFromClient(config.GroupID, d.cl)
	return err
}

func (d *SaramaDriver) Run(ctx context.Context, emit EmitFunc, onRange RangeFunc) error {
	go d.watchErrors(onRange)

	handler := &groupHandler{driver: d, emit: emit}
	for {
		sessCtx, cancel := context.WithCancel(ctx)
		d.mu.Lock()
		if d.closing {
			d.mu.Unlock()
			cancel()
			return nil
		}
		d.restart = cancel
		d.mu.Unlock()

		err := d.group.Consume(sessCtx, d.cfg.Topics, handler)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (d *SaramaDriver) watchErrors(onRange RangeFunc) {
	for err := range d.group.Errors() {
		var ce *sarama.ConsumerError
		if errors.As(err, &ce) && errors.Is(ce.Err, sarama.ErrOffsetOutOfRange) {
			logging.L().Warn("sarama-driver: offset out of range", "topic", ce.Topic, "partition", ce.Partition)
			if onRange != nil {
				onRange(ce.Topic, ce.Partition)
			}
			continue
		}
		logging.L().Error("sarama-driver: consumer error", "err", err)
	}
}

// Pause stops fetching on every claimed partition. Partitions claimed by a
// later session start paused as well until Resume.
func (d *SaramaDriver) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	d.group.PauseAll()
}

func (d *SaramaDriver) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	d.group.ResumeAll()
}

func (d *SaramaDriver) isPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

func (d *SaramaDriver) track(rec *Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := partKey{rec.Topic, rec.Partition}
	cp, ok := d.parts[key]
	if !ok {
		cp = newCheckpoint()
		d.parts[key] = cp
	}
	d.pending[recordID{rec.Topic, rec.Partition, rec.Offset}] = &pendingCommit{resolve: cp.track(rec.Offset)}
}

func (d *SaramaDriver) Commit(ctx context.Context, rec *Record) error {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	id := recordID{rec.Topic, rec.Partition, rec.Offset}
	d.mu.Lock()
	sess := d.sess
	pc, ok := d.pending[id]
	if !ok || sess == nil {
		d.mu.Unlock()
		logging.L().Warn("sarama-driver: commit refused; partition was revoked",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
		return ErrRevoked
	}
	cp := d.parts[partKey{rec.Topic, rec.Partition}]
	if !pc.resolved {
		pc.resolve()
		pc.resolved = true
	}
	next := cp.highest + 1
	if cp.highest < 0 || next <= cp.committed {
		// an earlier record is still in flight, or a later commit covered us
		delete(d.pending, id)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if err := d.commitTo(ctx, sess, rec.Topic, rec.Partition, next); err != nil {
		return err
	}

	d.mu.Lock()
	if next > cp.committed {
		cp.committed = next
	}
	delete(d.pending, id)
	d.mu.Unlock()
	sess.MarkOffset(rec.Topic, rec.Partition, next, "")
	return nil
}

func (d *SaramaDriver) CommitOffset(ctx context.Context, topic string, partition int32, offset int64) error {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	if err := d.commitTo(ctx, sess, topic, partition, offset); err != nil {
		return err
	}
	d.mu.Lock()
	if cp, ok := d.parts[partKey{topic, partition}]; ok && offset > cp.committed {
		cp.committed = offset
	}
	d.mu.Unlock()
	return nil
}

// commitTo stores offset on the group coordinator and waits for the answer.
func (d *SaramaDriver) commitTo(ctx context.Context, sess sarama.ConsumerGroupSession, topic string, partition int32, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	broker, err := d.cl.Coordinator(d.cfg.GroupID)
	if err != nil {
		return fmt.Errorf("kafka: coordinator: %w", err)
	}
	req := &sarama.OffsetCommitRequest{
		Version:                 2,
		ConsumerGroup:           d.cfg.GroupID,
		ConsumerGroupGeneration: sess.GenerationID(),
		ConsumerID:              sess.MemberID(),
		RetentionTime:           -1,
	}
	req.AddBlock(topic, partition, offset, sarama.ReceiveTime, "")

	resp, err := broker.CommitOffset(req)
	if err != nil {
		_ = d.cl.RefreshCoordinator(d.cfg.GroupID)
		return fmt.Errorf("kafka: commit %s/%d@%d: %w", topic, partition, offset, err)
	}
	if kerr, ok := resp.Errors[topic][partition]; ok && !errors.Is(kerr, sarama.ErrNoError) {
		if errors.Is(kerr, sarama.ErrNotCoordinatorForConsumer) || errors.Is(kerr, sarama.ErrConsumerCoordinatorNotAvailable) {
			_ = d.cl.RefreshCoordinator(d.cfg.GroupID)
		}
		return fmt.Errorf("kafka: commit %s/%d@%d: %w", topic, partition, offset, kerr)
	}
	return nil
}

func (d *SaramaDriver) ResolveOffset(ctx context.Context, topic string, partition int32, at int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return d.cl.GetOffset(topic, partition, at)
}

// Seek stores offset as the group position and restarts the session so the
// partition is claimed again from there.
func (d *SaramaDriver) Seek(ctx context.Context, topic string, partition int32, offset int64) error {
	if err := d.CommitOffset(ctx, topic, partition, offset); err != nil {
		return err
	}
	d.mu.Lock()
	restart := d.restart
	d.mu.Unlock()
	logging.L().Info("sarama-driver: seek", "topic", topic, "partition", partition, "offset", offset)
	if restart != nil {
		restart()
	}
	return nil
}

// Close optionally stores the last fetched position of every claimed
// partition, ends the session and leaves the group.
func (d *SaramaDriver) Close(forceCommit bool) error {
	d.mu.Lock()
	d.closing = true
	if forceCommit {
		d.forceCommitLocked()
	}
	restart := d.restart
	d.mu.Unlock()

	// Consume holds the group lock for the whole session
	if restart != nil {
		restart()
	}
	var errs []error
	if d.group != nil {
		errs = append(errs, d.group.Close())
	}
	if d.cl != nil {
		errs = append(errs, d.cl.Close())
	}
	return errors.Join(errs...)
}

// forceCommitLocked marks the position after the last fetched record of
// every claimed partition and flushes it through the live session.
func (d *SaramaDriver) forceCommitLocked() {
	if d.sess == nil {
		logging.L().Warn("sarama-driver: force commit skipped; no active session")
		return
	}
	for key, cp := range d.parts {
		if cp.lastFetched >= 0 {
			d.sess.MarkOffset(key.topic, key.partition, cp.lastFetched+1, "")
		}
	}
	d.sess.Commit()
}

type groupHandler struct {
	driver *SaramaDriver
	emit   EmitFunc
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.driver.mu.Lock()
	h.driver.sess = sess
	h.driver.parts = make(map[partKey]*checkpoint)
	h.driver.pending = make(map[recordID]*pendingCommit)
	h.driver.mu.Unlock()

	logging.L().Info("sarama-driver: session started",
		"generation", sess.GenerationID(), "member", sess.MemberID(), "claims", sess.Claims())
	return nil
}

func (h *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error {
	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()

	dropped := len(h.driver.pending)
	h.driver.sess = nil
	h.driver.pending = make(map[recordID]*pendingCommit)
	h.driver.parts = make(map[partKey]*checkpoint)

	if dropped > 0 {
		logging.L().Info("sarama-driver: session ended; pending commits will be refused", "count", dropped)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	// a new session's partition consumers start fetching; keep the window shut
	if h.driver.isPaused() {
		h.driver.group.Pause(map[string][]int32{claim.Topic(): {claim.Partition()}})
	}
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			rec := &Record{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       msg.Key,
				Value:     msg.Value,
				Headers:   headers(msg.Headers),
				Timestamp: msg.Timestamp,
			}
			h.driver.track(rec)
			h.emit(rec)
		}
	}
}

func headers(hs []*sarama.RecordHeader) map[string]string {
	if len(hs) == 0 {
		return nil
	}
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		if h != nil {
			out[string(h.Key)] = string(h.Value)
		}
	}
	return out
}
