package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kworker/examples/contracts/uppercase"
	"kworker/internal/engine"
	"kworker/internal/logging"
	"kworker/internal/pool"
	"kworker/internal/transport"
	"kworker/internal/worker"
	"kworker/source/kafka"

	_ "kworker/sink/kafka"
	_ "kworker/sink/stdout"
)

func main() {
	poolFile := flag.String("pool", "pool.yml", "pool file")
	healthcheck := flag.String("healthcheck", "", "probe a running worker's health address (host:port) and exit")
	service := flag.String("service", "", "health service to probe (worker kind, empty for the process)")
	uppercaseTopic := flag.String("uppercase-topic", "uppercase-out", "output topic of the uppercase kind")
	flag.Parse()

	if *healthcheck != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := transport.Probe(ctx, *healthcheck, *service)
		cancel()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	logging.InitFromEnv()
	kafka.Register("sarama", func() kafka.Adapter { return &kafka.SaramaDriver{} })
	pool.Register(uppercase.Kind, func() (worker.Contract, error) {
		return uppercase.New(*uppercaseTopic), nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(ctx, engine.Config{PoolFile: *poolFile})
	if err != nil {
		logging.L().Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	if err := e.Run(ctx); err != nil {
		logging.L().Error("engine stopped", "err", err)
		os.Exit(1)
	}
}
