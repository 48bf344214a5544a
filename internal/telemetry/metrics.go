package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"kworker/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Worker holds the per-kind worker metrics; every vector is labelled by kind.
var Worker = struct {
	Fetched        *prometheus.CounterVec
	Committed      *prometheus.CounterVec
	Succeeded      *prometheus.CounterVec
	Retried        *prometheus.CounterVec
	Failed         *prometheus.CounterVec
	Sent           *prometheus.CounterVec
	SendErrors     *prometheus.CounterVec
	CommitRetries  *prometheus.CounterVec
	TraceErrors    *prometheus.CounterVec
	OffsetRepairs  *prometheus.CounterVec
	Inflight       *prometheus.GaugeVec
	ProcessSeconds *prometheus.HistogramVec
}{
	Fetched: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kworker", Name: "fetched_total",
		Help: "Messages delivered to a worker",
	}, []string{"kind"}),
	Committed: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kworker", Name: "committed_total",
		Help: "Messages whose offset commit was acknowledged",
	}, []string{"kind"}),
	Succeeded: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kworker", Name: "succeeded_total",
		Help: "Messages completed through done",
	}, []string{"kind"}),
	Retried: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kworker", Name: "retried_total",
		Help: "Messages republished to the retry topic",
	}, []string{"kind"}),
	Failed: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kworker", Name: "failed_total",
		Help: "Processing failures, including malformed payloads",
	}, []string{"kind"}),
	Sent: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kworker", Name: "sent_total",
		Help: "Messages produced by the sender",
	}, []string{"kind"}),
	SendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kworker", Name: "send_errors_total",
		Help: "Failed produce calls",
	}, []string{"kind"}),
	CommitRetries: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kworker", Name: "commit_retries_total",
		Help: "Failed commit or republish attempts that were rescheduled",
	}, []string{"kind"}),
	TraceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kworker", Name: "trace_errors_total",
		Help: "Trace events that could not be produced",
	}, []string{"kind"}),
	OffsetRepairs: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kworker", Name: "offset_repairs_total",
		Help: "Out-of-range offsets repaired",
	}, []string{"kind"}),
	Inflight: promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kworker", Name: "inflight_messages",
		Help: "Fetched messages not yet committed",
	}, []string{"kind"}),
	ProcessSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kworker", Name: "process_duration_seconds",
		Help:    "Time from delivery to completion",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"}),
}

// Expose serves /metrics on port until ctx is done. Port 0 disables it.
func Expose(ctx context.Context, port int) {
	if port == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics: listener stopped", "port", port, "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
}
