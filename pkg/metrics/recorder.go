package metrics

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/psantana5/playscope/pkg/models"
	"github.com/psantana5/playscope/pkg/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "playscope"

// Recorder owns the server's Prometheus collectors
type Recorder struct {
	registry *prometheus.Registry

	jobsSubmitted *prometheus.CounterVec
	jobsStarted   *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsInFlight  prometheus.Gauge
	eventsDropped prometheus.Counter

	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	httpResponseBytes *prometheus.CounterVec

	similarityQueries *prometheus.CounterVec
}

// NewRecorder creates a recorder with its own registry, including Go runtime
// and process collectors
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs submitted, by command",
		}, []string{"command"}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs that began execution, by command",
		}, []string{"command"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, by command and status",
		}, []string{"command", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of finished jobs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 9),
		}, []string{"command"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently executing in this process",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Job events dropped because a subscriber was full",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route template, method and status code",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route template",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		httpResponseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_response_bytes_total",
			Help:      "Bytes written in HTTP responses, by route template",
		}, []string{"route"}),
		similarityQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "similarity_queries_total",
			Help:      "Similarity queries served, by kind and outcome",
		}, []string{"kind", "outcome"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.jobsSubmitted,
		r.jobsStarted,
		r.jobsFinished,
		r.jobDuration,
		r.jobsInFlight,
		r.eventsDropped,
		r.httpRequests,
		r.httpDuration,
		r.httpResponseBytes,
		r.similarityQueries,
	)
	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// JobSubmitted implements jobs.Observer
func (r *Recorder) JobSubmitted(command string) {
	r.jobsSubmitted.WithLabelValues(command).Inc()
}

// JobStarted implements jobs.Observer
func (r *Recorder) JobStarted(command string) {
	r.jobsStarted.WithLabelValues(command).Inc()
	r.jobsInFlight.Inc()
}

// JobFinished implements jobs.Observer
func (r *Recorder) JobFinished(command string, status models.JobStatus, duration time.Duration) {
	r.jobsFinished.WithLabelValues(command, string(status)).Inc()
	if duration > 0 {
		r.jobDuration.WithLabelValues(command).Observe(duration.Seconds())
	}
	r.jobsInFlight.Dec()
}

// EventDropped is the broker drop hook
func (r *Recorder) EventDropped() {
	r.eventsDropped.Inc()
}

// SimilarityQuery counts a ranking request
func (r *Recorder) SimilarityQuery(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.similarityQueries.WithLabelValues(kind, outcome).Inc()
}

// RegisterJobStats exports per-status job counts read from stats at scrape time
func (r *Recorder) RegisterJobStats(stats func(ctx context.Context) (models.Stats, error)) {
	r.registry.MustRegister(&statsCollector{
		stats: stats,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Jobs in the store, by status",
			[]string{"status"}, nil,
		),
	})
}

// Middleware records request counts, latency and response size per route
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rw := &countingWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, req)

		route := tracing.RouteName(req)
		r.httpRequests.WithLabelValues(route, req.Method, strconv.Itoa(rw.status)).Inc()
		r.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		r.httpResponseBytes.WithLabelValues(route).Add(float64(rw.bytes))
	})
}

type countingWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *countingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *countingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack supports websocket upgrades through the middleware
func (w *countingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

type statsCollector struct {
	stats func(ctx context.Context) (models.Stats, error)
	desc  *prometheus.Desc
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := c.stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}

	for status, n := range map[models.JobStatus]int{
		models.JobStatusPending:   s.Pending,
		models.JobStatusRunning:   s.Running,
		models.JobStatusCompleted: s.Completed,
		models.JobStatusFailed:    s.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(status))
	}
}
