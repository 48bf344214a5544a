package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kworker/internal/config"
	"kworker/internal/spec"
	"kworker/internal/worker"
	"kworker/sink"
	"kworker/source/kafka"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubSource struct {
	runErr error

	mu     sync.Mutex
	closed bool
	forced bool
	ended  bool
}

func (s *stubSource) Configure(kafka.Config) error { return nil }
func (s *stubSource) Run(ctx context.Context, _ kafka.EmitFunc, _ kafka.RangeFunc) error {
	if s.runErr != nil {
		return s.runErr
	}
	<-ctx.Done()
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	return ctx.Err()
}
func (s *stubSource) Pause()                                                 {}
func (s *stubSource) Resume()                                                {}
func (s *stubSource) Commit(context.Context, *kafka.Record) error            { return nil }
func (s *stubSource) CommitOffset(context.Context, string, int32, int64) error { return nil }
func (s *stubSource) ResolveOffset(context.Context, string, int32, int64) (int64, error) {
	return 0, nil
}
func (s *stubSource) Seek(context.Context, string, int32, int64) error { return nil }
func (s *stubSource) Close(force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed, s.forced = true, force
	return nil
}

type stubSink struct {
	driver string
	ready  chan struct{}

	mu     sync.Mutex
	closes int
	at     time.Time
}

func newStubSink(driver string) *stubSink {
	s := &stubSink{driver: driver, ready: make(chan struct{})}
	close(s.ready)
	return s
}

func (s *stubSink) Configure(any) error                              { return nil }
func (s *stubSink) Ready() <-chan struct{}                           { return s.ready }
func (s *stubSink) Produce(context.Context, string, [][]byte) error { return nil }
func (s *stubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.at = time.Now()
	return nil
}

type recorder struct {
	mu      sync.Mutex
	sources []*stubSource
	sinks   []*stubSink
	files   map[string]config.WorkerFile
	runErr  error
}

func (r *recorder) deps() Deps {
	return Deps{
		LoadWorker: func(path string) (config.WorkerFile, error) {
			wf, ok := r.files[path]
			if !ok {
				return wf, os.ErrNotExist
			}
			return wf, nil
		},
		LoadSink: func(string) (config.SinkSection, error) {
			return config.SinkSection{Driver: "kafka"}, nil
		},
		NewSource: func(kafka.Config) (kafka.Adapter, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			s := &stubSource{runErr: r.runErr}
			r.sources = append(r.sources, s)
			return s, nil
		},
		NewSink: func(driver string, _ any) (sink.Adapter, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			s := newStubSink(driver)
			r.sinks = append(r.sinks, s)
			return s, nil
		},
	}
}

func workerFile(shared bool) config.WorkerFile {
	wf := config.WorkerFile{}
	wf.Sink.Driver = "kafka"
	wf.Sink.Shared = shared
	wf.Worker.RetryTopic = "retry"
	return wf
}

func init() {
	Register("echo", func() (worker.Contract, error) {
		return worker.ProcessFunc(func(context.Context, *worker.Message) ([]worker.NextMessage, error) {
			return nil, nil
		}), nil
	})
}

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPool_StartAndClose(t *testing.T) {
	dir := t.TempDir()
	pid := filepath.Join(dir, "kworker.pid")
	r := &recorder{files: map[string]config.WorkerFile{"own.yml": workerFile(false), "shared.yml": workerFile(true)}}
	file := spec.File{
		PIDFile:        pid,
		SharedProducer: &spec.SharedProducer{Driver: "stdout", Config: "p.yml"},
		Workers: []spec.WorkerSpec{
			{Kind: "echo", Count: 2, Config: "own.yml"},
			{Kind: "echo", Count: 3, Config: "shared.yml"},
		},
	}

	p, err := New(file, r.deps(), quietLog())
	require.NoError(t, err)
	require.Len(t, p.Workers(), 5)
	require.Len(t, r.sinks, 3, "one shared producer plus one per private worker")
	assert.Equal(t, "stdout", r.sinks[0].driver)

	require.NoError(t, p.Start(context.Background()))
	raw, err := os.ReadFile(pid)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(raw)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx), "second close is a no-op")

	for _, s := range r.sources {
		assert.True(t, s.closed)
		assert.False(t, s.forced)
	}
	shared := r.sinks[0]
	assert.Equal(t, 1, shared.closes)
	for _, s := range r.sinks[1:] {
		assert.Equal(t, 1, s.closes)
		assert.False(t, shared.at.Before(s.at), "shared producer closes after the workers")
	}
	_, err = os.Stat(pid)
	assert.True(t, errors.Is(err, os.ErrNotExist), "pid file removed")
}

func TestPool_ConsumersOutliveStartContext(t *testing.T) {
	r := &recorder{files: map[string]config.WorkerFile{"own.yml": workerFile(false)}}
	file := spec.File{Workers: []spec.WorkerSpec{{Kind: "echo", Count: 2, Config: "own.yml"}}}
	p, err := New(file, r.deps(), quietLog())
	require.NoError(t, err)

	sctx, stop := context.WithCancel(context.Background())
	require.NoError(t, p.Start(sctx))
	stop()

	ended := func() (n int) {
		for _, s := range r.sources {
			s.mu.Lock()
			if s.ended {
				n++
			}
			s.mu.Unlock()
		}
		return n
	}
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, ended(), "cancelling the start context must not end consumer sessions")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
	assert.Equal(t, 2, ended())
}

func TestPool_UnknownKind(t *testing.T) {
	r := &recorder{files: map[string]config.WorkerFile{"w.yml": workerFile(false)}}
	_, err := New(spec.File{Workers: []spec.WorkerSpec{{Kind: "nope", Count: 1, Config: "w.yml"}}}, r.deps(), quietLog())
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPool_SharedSinkWithoutSharedProducer(t *testing.T) {
	r := &recorder{files: map[string]config.WorkerFile{"w.yml": workerFile(true)}}
	_, err := New(spec.File{Workers: []spec.WorkerSpec{{Kind: "echo", Count: 1, Config: "w.yml"}}}, r.deps(), quietLog())
	assert.ErrorIs(t, err, ErrNoSharedProducer)
}

func TestPool_FailedBuildReleasesWhatWasBuilt(t *testing.T) {
	r := &recorder{files: map[string]config.WorkerFile{"w.yml": workerFile(false)}}
	file := spec.File{Workers: []spec.WorkerSpec{
		{Kind: "echo", Count: 2, Config: "w.yml"},
		{Kind: "echo", Count: 1, Config: "missing.yml"},
	}}
	_, err := New(file, r.deps(), quietLog())
	require.ErrorIs(t, err, os.ErrNotExist)

	require.Len(t, r.sources, 2)
	for _, s := range r.sources {
		assert.True(t, s.closed)
	}
	for _, s := range r.sinks {
		assert.Equal(t, 1, s.closes)
	}
}

func TestPool_WorkerFaultIsReported(t *testing.T) {
	boom := errors.New("broker gone")
	r := &recorder{files: map[string]config.WorkerFile{"w.yml": workerFile(false)}, runErr: boom}
	p, err := New(spec.File{Workers: []spec.WorkerSpec{{Kind: "echo", Count: 2, Config: "w.yml"}}}, r.deps(), quietLog())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	select {
	case err := <-p.Faults():
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("fault not reported")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func TestKinds(t *testing.T) {
	assert.Contains(t, Kinds(), "echo")
}
