// Package metrics exposes the pipeline's health as Prometheus metrics:
// shares processed/dropped, flush durations, registry sizes, and replay
// lag.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poolshare/aggregator/internal/util"
)

// Exporter holds every collector the pipeline reports through and the
// HTTP server that exposes them.
type Exporter struct {
	namespace string
	registry  *prometheus.Registry
	server    *http.Server

	sharesProcessed *prometheus.CounterVec
	sharesDropped   *prometheus.CounterVec

	flushDuration *prometheus.HistogramVec
	flushErrors   *prometheus.CounterVec

	replayLag     prometheus.Gauge
	replayBacklog prometheus.Gauge

	totalWorkers prometheus.Gauge
	totalUsers   prometheus.Gauge

	binlogBufferedShares prometheus.Gauge
}

// Config configures the metrics HTTP endpoint.
type Config struct {
	Enabled bool
	Bind    string
	Path    string
}

// New builds and registers every collector.
func New(namespace string) *Exporter {
	registry := prometheus.NewRegistry()
	e := &Exporter{namespace: namespace, registry: registry}

	e.sharesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "shares_processed_total",
		Help:      "Shares folded into the registry, by result",
	}, []string{"result"})

	e.sharesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "shares_dropped_total",
		Help:      "Shares dropped for failing validation, by reason",
	}, []string{"reason"})

	e.flushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "duration_seconds",
		Help:      "Flush cycle duration, by sink",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sink"})

	e.flushErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "errors_total",
		Help:      "Flush cycles that returned an error, by sink",
	}, []string{"sink"})

	e.replayLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "binlog",
		Name:      "replay_lag_seconds",
		Help:      "Seconds between the replayer's cursor and the writer's current position",
	})

	e.replayBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "binlog",
		Name:      "replay_backlog_bytes",
		Help:      "Bytes past the replayer's cursor still unread in the current day file",
	})

	e.totalWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "workers_total",
		Help:      "Number of worker aggregates currently tracked",
	})

	e.totalUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "users_total",
		Help:      "Number of user aggregates currently tracked",
	})

	e.binlogBufferedShares = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "binlog",
		Name:      "buffered_shares",
		Help:      "Shares held in the writer's in-memory buffer, not yet flushed to disk",
	})

	registry.MustRegister(
		e.sharesProcessed, e.sharesDropped,
		e.flushDuration, e.flushErrors,
		e.replayLag, e.replayBacklog,
		e.totalWorkers, e.totalUsers,
		e.binlogBufferedShares,
		prometheus.NewGoCollector(),
	)

	return e
}

func (e *Exporter) RecordShareProcessed(result string) { e.sharesProcessed.WithLabelValues(result).Inc() }
func (e *Exporter) RecordShareDropped(reason string)   { e.sharesDropped.WithLabelValues(reason).Inc() }

func (e *Exporter) ObserveFlush(sink string, d time.Duration, err error) {
	e.flushDuration.WithLabelValues(sink).Observe(d.Seconds())
	if err != nil {
		e.flushErrors.WithLabelValues(sink).Inc()
	}
}

func (e *Exporter) SetReplayLag(d time.Duration)   { e.replayLag.Set(d.Seconds()) }
func (e *Exporter) SetReplayBacklog(bytes int64)   { e.replayBacklog.Set(float64(bytes)) }
func (e *Exporter) SetRegistrySize(workers, users uint64) {
	e.totalWorkers.Set(float64(workers))
	e.totalUsers.Set(float64(users))
}
func (e *Exporter) SetBinlogBuffered(n int) { e.binlogBufferedShares.Set(float64(n)) }

// Handler returns the promhttp handler for mounting onto another router
// (the status API mounts this under /metrics rather than running a
// second listener).
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// Start runs a standalone metrics HTTP server until ctx is canceled.
func (e *Exporter) Start(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		util.Info("metrics: exporter disabled")
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, e.Handler())
	e.server = &http.Server{Addr: cfg.Bind, Handler: mux}

	go func() {
		util.Infof("metrics: listening on %s%s", cfg.Bind, cfg.Path)
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("metrics: server error: %v", err)
		}
	}()

	<-ctx.Done()
	return e.Stop()
}

func (e *Exporter) Stop() error {
	if e.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	return nil
}
