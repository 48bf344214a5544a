package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"kworker/internal/config"
	"kworker/internal/spec"
	"kworker/internal/worker"
	"kworker/sink"
	"kworker/source/kafka"

	"golang.org/x/sync/errgroup"
)

var ErrNoSharedProducer = errors.New("pool: sink wants the shared producer but none is configured")

// Deps builds bindings and loads worker files; tests swap in fakes.
type Deps struct {
	LoadWorker func(path string) (config.WorkerFile, error)
	LoadSink   func(path string) (config.SinkSection, error)
	NewSource  func(cfg kafka.Config) (kafka.Adapter, error)
	NewSink    func(driver string, cfg any) (sink.Adapter, error)
}

func DefaultDeps() Deps {
	return Deps{
		LoadWorker: config.LoadWorkerFile,
		LoadSink:   config.LoadSinkFile,
		NewSource: func(cfg kafka.Config) (kafka.Adapter, error) {
			a, err := kafka.NewAdapter(cfg.Driver)
			if err != nil {
				return nil, err
			}
			return a, a.Configure(cfg)
		},
		NewSink: func(driver string, cfg any) (sink.Adapter, error) {
			a, err := sink.NewAdapter(driver)
			if err != nil {
				return nil, err
			}
			return a, a.Configure(cfg)
		},
	}
}

// Pool owns every worker of the process and the optional shared producer.
type Pool struct {
	file   spec.File
	log    *slog.Logger
	shared sink.Adapter

	workers []*worker.Worker
	faults  chan error

	closeOnce sync.Once
	closeErr  error
}

// New builds every declared worker without starting any of them.
func New(file spec.File, deps Deps, log *slog.Logger) (*Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{file: file, log: log, faults: make(chan error, 1)}

	if sp := file.SharedProducer; sp != nil {
		sec, err := deps.LoadSink(sp.Config)
		if err != nil {
			return nil, fmt.Errorf("pool: shared producer: %w", err)
		}
		driver := sp.Driver
		if driver == "" {
			driver = sec.Driver
		}
		if p.shared, err = deps.NewSink(driver, sec.DriverConfig()); err != nil {
			return nil, fmt.Errorf("pool: shared producer: %w", err)
		}
	}

	for _, ws := range file.Workers {
		if err := p.build(ws, deps); err != nil {
			p.abort()
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) build(ws spec.WorkerSpec, deps Deps) error {
	wf, err := deps.LoadWorker(ws.Config)
	if err != nil {
		return fmt.Errorf("pool: %s: %w", ws.Kind, err)
	}
	if wf.Sink.Shared && p.shared == nil {
		return fmt.Errorf("pool: %s: %w", ws.Kind, ErrNoSharedProducer)
	}
	for i := 0; i < ws.Count; i++ {
		contract, err := contractFor(ws.Kind)
		if err != nil {
			return err
		}
		src, err := deps.NewSource(wf.Source)
		if err != nil {
			return fmt.Errorf("pool: %s/%d source: %w", ws.Kind, i, err)
		}
		prod, owns := p.shared, false
		if !wf.Sink.Shared {
			if prod, err = deps.NewSink(wf.Sink.Driver, wf.Sink.DriverConfig()); err != nil {
				_ = src.Close(false)
				return fmt.Errorf("pool: %s/%d sink: %w", ws.Kind, i, err)
			}
			owns = true
		}
		w, err := worker.New(worker.Options{
			Kind:         ws.Kind,
			ID:           i,
			Config:       wf.Worker,
			Contract:     contract,
			Source:       src,
			Producer:     prod,
			OwnsProducer: owns,
			Logger:       p.log,
			OnFatal:      p.fault,
		})
		if err != nil {
			_ = src.Close(false)
			if owns {
				_ = prod.Close()
			}
			return fmt.Errorf("pool: %s/%d: %w", ws.Kind, i, err)
		}
		p.workers = append(p.workers, w)
	}
	return nil
}

// abort releases whatever a failed New already built.
func (p *Pool) abort() {
	for _, w := range p.workers {
		_ = w.Close(context.Background())
	}
	if p.shared != nil {
		_ = p.shared.Close()
	}
}

func (p *Pool) fault(err error) {
	p.log.Error("pool: worker fault", "err", err)
	select {
	case p.faults <- err:
	default:
	}
}

// Faults delivers the first unrecoverable worker error.
func (p *Pool) Faults() <-chan error { return p.faults }

func (p *Pool) Workers() []*worker.Worker { return p.workers }

// Start writes the pid file and starts every worker.
func (p *Pool) Start(ctx context.Context) error {
	if p.file.PIDFile != "" {
		if err := os.WriteFile(p.file.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return fmt.Errorf("pool: pid file: %w", err)
		}
	}
	// Consumer sessions outlive ctx; Close ends them once in-flight
	// messages are committed.
	wctx := context.WithoutCancel(ctx)
	for _, w := range p.workers {
		if err := w.Start(wctx); err != nil {
			return fmt.Errorf("pool: start %s/%d: %w", w.Kind(), w.ID(), err)
		}
	}
	p.log.Info("pool started", "workers", len(p.workers), "shared_producer", p.shared != nil)
	return nil
}

// Close shuts every worker down concurrently, bounded by ctx, then closes
// the shared producer and removes the pid file.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		start := time.Now()
		errs := make([]error, len(p.workers))
		var g errgroup.Group
		for i, w := range p.workers {
			g.Go(func() error {
				errs[i] = w.Close(ctx)
				if errs[i] != nil {
					p.log.Error("worker close failed", "kind", w.Kind(), "worker", w.ID(), "err", errs[i])
				} else {
					p.log.Info("worker close ok", "kind", w.Kind(), "worker", w.ID())
				}
				return nil
			})
		}
		_ = g.Wait()

		err := errors.Join(errs...)
		if p.shared != nil {
			err = errors.Join(err, p.shared.Close())
		}
		if p.file.PIDFile != "" {
			if rerr := os.Remove(p.file.PIDFile); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				err = errors.Join(err, rerr)
			}
		}
		p.closeErr = err
		p.log.Info("pool closed", "took", time.Since(start), "err", err)
	})
	return p.closeErr
}
