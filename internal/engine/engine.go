package engine

import (
	"context"
	"errors"
	"log/slog"

	"kworker/internal/pool"
	"kworker/internal/spec"
	"kworker/internal/transport"
)

type Engine struct {
	file        spec.File
	pool        *pool.Pool
	health      *transport.Server
	stopMetrics context.CancelFunc
	stopTracing func(context.Context) error
	log         *slog.Logger
}

// Run starts the pool and blocks until ctx ends or a worker reports a
// fault, then shuts everything down within the pool's shutdown_timeout.
func (e *Engine) Run(ctx context.Context) error {
	defer e.stopMetrics()

	serveDone := make(chan struct{})
	if e.health != nil {
		go func() {
			defer close(serveDone)
			if err := e.health.Serve(); err != nil {
				e.log.Error("health: server stopped", "err", err)
			}
		}()
	} else {
		close(serveDone)
	}

	if err := e.pool.Start(ctx); err != nil {
		err = errors.Join(err, e.shutdown())
		<-serveDone
		return err
	}
	e.setServing(true)

	var fault error
	select {
	case <-ctx.Done():
		e.log.Info("shutdown requested", "cause", context.Cause(ctx))
	case fault = <-e.pool.Faults():
		e.log.Error("shutting down after worker fault", "err", fault)
	}

	err := e.shutdown()
	<-serveDone
	return errors.Join(fault, err)
}

func (e *Engine) setServing(ok bool) {
	if e.health == nil {
		return
	}
	e.health.SetServing("", ok)
	for _, w := range e.file.Workers {
		e.health.SetServing(w.Kind, ok)
	}
}

func (e *Engine) shutdown() error {
	if e.health != nil {
		e.health.Draining()
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.file.ShutdownTimeout)
	defer cancel()
	err := e.pool.Close(ctx)
	if e.health != nil {
		e.health.Stop()
	}
	if terr := e.stopTracing(ctx); terr != nil {
		e.log.Warn("tracing shutdown failed", "err", terr)
	}
	return err
}
