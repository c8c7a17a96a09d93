// Package metrics exposes Prometheus counters, a histogram, and gauges for
// the job queue and key rotation worker (§6.4 "domain stack").
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes Prometheus metrics for one worker process.
type Collector struct {
	jobsEnqueued  prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter

	jobLatency prometheus.Histogram

	queueDepth         prometheus.Gauge
	rotationInProgress prometheus.Gauge
	rotationProgress   prometheus.Gauge

	server *http.Server
	mu     sync.Mutex
}

// NewCollector builds a Collector and registers its metrics against the
// default Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskqueue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskqueue_jobs_completed_total",
			Help: "Total number of jobs that completed successfully.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskqueue_jobs_failed_total",
			Help: "Total number of jobs that reached a terminal failed state.",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskqueue_jobs_cancelled_total",
			Help: "Total number of jobs that reached a terminal cancelled state.",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskqueue_job_latency_seconds",
			Help:    "Time from claim to terminal status, in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskqueue_queue_depth",
			Help: "Current number of pending jobs.",
		}),
		rotationInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskqueue_rotation_in_progress",
			Help: "1 while a key rotation cycle is executing, 0 otherwise.",
		}),
		rotationProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskqueue_rotation_progress_rows",
			Help: "Rows re-encrypted so far in the current rotation cycle.",
		}),
	}

	prometheus.MustRegister(
		c.jobsEnqueued,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobLatency,
		c.queueDepth,
		c.rotationInProgress,
		c.rotationProgress,
	)

	return c
}

// RecordEnqueue records a job admitted to the queue.
func (c *Collector) RecordEnqueue() {
	c.jobsEnqueued.Inc()
}

// RecordCompleted records a job completing successfully, along with its
// claim-to-terminal latency.
func (c *Collector) RecordCompleted(latency time.Duration) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latency.Seconds())
}

// RecordFailed records a job reaching a terminal failed state.
func (c *Collector) RecordFailed(latency time.Duration) {
	c.jobsFailed.Inc()
	c.jobLatency.Observe(latency.Seconds())
}

// RecordCancelled records a job reaching a terminal cancelled state.
func (c *Collector) RecordCancelled() {
	c.jobsCancelled.Inc()
}

// SetQueueDepth reports the current pending-job count.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// SetRotationInProgress reports whether a rotation cycle is currently
// executing.
func (c *Collector) SetRotationInProgress(inProgress bool) {
	if inProgress {
		c.rotationInProgress.Set(1)
		return
	}
	c.rotationInProgress.Set(0)
}

// AddRotationProgress increments the rows-re-encrypted-this-cycle gauge.
func (c *Collector) AddRotationProgress(rows int) {
	c.rotationProgress.Add(float64(rows))
}

// ResetRotationProgress zeroes the rows-re-encrypted gauge at the start of
// a new cycle.
func (c *Collector) ResetRotationProgress() {
	c.rotationProgress.Set(0)
}

// Serve starts the Prometheus scrape endpoint and blocks until ctx is
// cancelled, then shuts the HTTP server down gracefully.
func (c *Collector) Serve(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	c.mu.Lock()
	c.server = &http.Server{Addr: addr, Handler: mux}
	server := c.server
	c.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
