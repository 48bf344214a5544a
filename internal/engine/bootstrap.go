package engine

import (
	"context"
	"fmt"

	"kworker/internal/config"
	"kworker/internal/logging"
	"kworker/internal/pool"
	"kworker/internal/telemetry"
	"kworker/internal/transport"
)

type Config struct {
	PoolFile string
	// Deps overrides how workers get their bindings; zero means real drivers.
	Deps *pool.Deps
}

func Bootstrap(ctx context.Context, cfg Config) (*Engine, error) {
	// 1. pool file + logging
	file, err := config.LoadPoolSpec(cfg.PoolFile)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if l := file.Log; l.Level != "" || l.JSON || l.File != "" {
		logging.Configure(logging.Options{
			Level:      l.Level,
			JSON:       l.JSON,
			File:       l.File,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
		})
	}
	log := logging.L()
	stopTracing := telemetry.InitTracing(telemetry.TracingOptions{
		ServiceName: file.Tracing.ServiceName,
		SampleRatio: file.Tracing.SampleRatio,
	})

	// 2. workers
	deps := pool.DefaultDeps()
	if cfg.Deps != nil {
		deps = *cfg.Deps
	}
	p, err := pool.New(file, deps, log)
	if err != nil {
		_ = stopTracing(ctx)
		return nil, err
	}

	// 3. health
	var hs *transport.Server
	if file.HealthPort != 0 {
		if hs, err = transport.StartServer(file.HealthPort); err != nil {
			_ = p.Close(ctx)
			_ = stopTracing(ctx)
			return nil, fmt.Errorf("transport: %w", err)
		}
	}

	// 4. metrics
	mctx, stopMetrics := context.WithCancel(context.Background())
	telemetry.Expose(mctx, file.MetricsPort)

	return &Engine{
		file:        file,
		pool:        p,
		health:      hs,
		stopMetrics: stopMetrics,
		stopTracing: stopTracing,
		log:         log,
	}, nil
}
