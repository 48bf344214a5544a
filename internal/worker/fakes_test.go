package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"kworker/source/kafka"
)

type offsetCall struct {
	topic     string
	partition int32
	offset    int64
}

// fakeSource records everything the worker asks of its consumer binding.
type fakeSource struct {
	mu            sync.Mutex
	pauses        int
	resumes       int
	commits       []*kafka.Record
	offsetCommits []offsetCall
	commitErrs    []error
	commitCalls   int
	resolveAt     []int64
	resolved      int64
	resolveErr    error
	seeks         []offsetCall
	closed        bool
	forced        bool

	emit    kafka.EmitFunc
	onRange kafka.RangeFunc
	running chan struct{}
}

func newFakeSource() *fakeSource { return &fakeSource{running: make(chan struct{})} }

func (f *fakeSource) Configure(kafka.Config) error { return nil }

func (f *fakeSource) Run(ctx context.Context, emit kafka.EmitFunc, onRange kafka.RangeFunc) error {
	f.mu.Lock()
	f.emit, f.onRange = emit, onRange
	f.mu.Unlock()
	close(f.running)
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) Pause() {
	f.mu.Lock()
	f.pauses++
	f.mu.Unlock()
}

func (f *fakeSource) Resume() {
	f.mu.Lock()
	f.resumes++
	f.mu.Unlock()
}

func (f *fakeSource) popCommitErr() error {
	if len(f.commitErrs) == 0 {
		return nil
	}
	err := f.commitErrs[0]
	f.commitErrs = f.commitErrs[1:]
	return err
}

func (f *fakeSource) Commit(ctx context.Context, rec *kafka.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls++
	if err := f.popCommitErr(); err != nil {
		return err
	}
	f.commits = append(f.commits, rec)
	return nil
}

func (f *fakeSource) CommitOffset(ctx context.Context, topic string, partition int32, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popCommitErr(); err != nil {
		return err
	}
	f.offsetCommits = append(f.offsetCommits, offsetCall{topic, partition, offset})
	return nil
}

func (f *fakeSource) ResolveOffset(_ context.Context, _ string, _ int32, at int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveAt = append(f.resolveAt, at)
	return f.resolved, f.resolveErr
}

func (f *fakeSource) Seek(_ context.Context, topic string, partition int32, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, offsetCall{topic, partition, offset})
	return nil
}

func (f *fakeSource) Close(force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed, f.forced = true, force
	return nil
}

func (f *fakeSource) deliver(t *testing.T, topic string, partition int32, offset int64, raw string) {
	t.Helper()
	f.deliverRecord(t, &kafka.Record{Topic: topic, Partition: partition, Offset: offset, Value: []byte(raw)})
}

func (f *fakeSource) deliverRecord(t *testing.T, rec *kafka.Record) {
	t.Helper()
	select {
	case <-f.running:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never started")
	}
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	emit(rec)
}

func (f *fakeSource) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitCalls
}

func (f *fakeSource) committedOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.commits))
	for _, r := range f.commits {
		out = append(out, r.Offset)
	}
	return out
}

func (f *fakeSource) counts() (pauses, resumes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauses, f.resumes
}

type batch struct {
	topic  string
	values [][]byte
	span   trace.SpanContext
}

// fakeProducer keeps every accepted batch; fail decides per call whether
// a batch is rejected.
type fakeProducer struct {
	mu      sync.Mutex
	ready   chan struct{}
	batches []batch
	calls   int
	fail    func(call int, topic string, values [][]byte) error
	closed  bool
}

func newFakeProducer() *fakeProducer {
	p := &fakeProducer{ready: make(chan struct{})}
	close(p.ready)
	return p
}

func (p *fakeProducer) Configure(any) error    { return nil }
func (p *fakeProducer) Ready() <-chan struct{} { return p.ready }

func (p *fakeProducer) Produce(ctx context.Context, topic string, values [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		if err := p.fail(p.calls, topic, values); err != nil {
			return err
		}
	}
	cp := make([][]byte, len(values))
	copy(cp, values)
	p.batches = append(p.batches, batch{topic: topic, values: cp, span: trace.SpanContextFromContext(ctx)})
	return nil
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProducer) sentTo(topic string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, b := range p.batches {
		if b.topic == topic {
			out = append(out, b.values...)
		}
	}
	return out
}

func (p *fakeProducer) batchesTo(topic string) []batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []batch
	for _, b := range p.batches {
		if b.topic == topic {
			out = append(out, b)
		}
	}
	return out
}

type traced struct {
	MessageID         string   `json:"messageId"`
	Topic             string   `json:"topic"`
	PreviousMessageID string   `json:"previousMessageId"`
	NextMessageIDs    []string `json:"nextMessageIds"`
	Status            struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"status"`
	RetryCount         int64  `json:"retryCount"`
	CreatedAt          string `json:"createdAt"`
	CreatedAtTimestamp int64  `json:"createdAtTimestamp"`
}

func (p *fakeProducer) traces(t *testing.T) []traced {
	t.Helper()
	var out []traced
	for _, raw := range p.sentTo(DefaultTraceTopic) {
		var ev traced
		require.NoError(t, json.Unmarshal(raw, &ev))
		out = append(out, ev)
	}
	return out
}

func statuses(evs []traced) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Status.Name)
	}
	return out
}

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		RetryTopic:       "retry",
		RetryDelay:       5 * time.Millisecond,
		CommitRetryDelay: 5 * time.Millisecond,
	}
}

type harness struct {
	w    *Worker
	src  *fakeSource
	prod *fakeProducer
	logs *bytes.Buffer
}

func startWorker(t *testing.T, cfg Config, c Contract) *harness {
	t.Helper()
	h := &harness{src: newFakeSource(), prod: newFakeProducer(), logs: &bytes.Buffer{}}
	w, err := New(Options{
		Kind:         "test",
		ID:           1,
		Config:       cfg,
		Contract:     c,
		Source:       h.src,
		Producer:     h.prod,
		OwnsProducer: true,
		Logger:       slog.New(slog.NewJSONHandler(&lockedWriter{buf: h.logs}, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	h.w = w
	return h
}

// stop closes the worker so every trace event is flushed.
func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.w.Close(ctx))
}

type lockedWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func sequence(ids ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i%len(ids)]
		i++
		return id
	}
}
