// Package metrics exposes Prometheus instrumentation for the job lifecycle
// and the outbound provider calls.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jo-hoe/pixelsmith/internal/provider"
)

// Metrics bundles all collectors on a private registry so tests can build
// isolated instances without colliding on the global default.
type Metrics struct {
	registry *prometheus.Registry

	jobsCreated      *prometheus.CounterVec
	jobsSettled      *prometheus.CounterVec
	jobsInFlight     prometheus.Gauge
	providerRequests *prometheus.CounterVec
	providerDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelsmith_jobs_created_total",
				Help: "Total jobs created, by tool",
			},
			[]string{"tool"},
		),
		jobsSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelsmith_jobs_settled_total",
				Help: "Total jobs reaching a terminal state, by status",
			},
			[]string{"status"},
		),
		jobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pixelsmith_jobs_in_flight",
				Help: "Jobs currently executing",
			},
		),
		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelsmith_provider_requests_total",
				Help: "Outbound image provider requests, by outcome",
			},
			[]string{"outcome"},
		),
		providerDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pixelsmith_provider_request_seconds",
				Help:    "Image provider request latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
		),
	}
	m.registry.MustRegister(
		m.jobsCreated,
		m.jobsSettled,
		m.jobsInFlight,
		m.providerRequests,
		m.providerDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobCreated(tool string) {
	m.jobsCreated.WithLabelValues(tool).Inc()
}

func (m *Metrics) JobStarted() {
	m.jobsInFlight.Inc()
}

func (m *Metrics) JobDone() {
	m.jobsInFlight.Dec()
}

func (m *Metrics) JobSettled(status string) {
	m.jobsSettled.WithLabelValues(status).Inc()
}

// InstrumentClient wraps a provider client so every call is counted and timed.
func (m *Metrics) InstrumentClient(next provider.Client) provider.Client {
	return &instrumentedClient{next: next, metrics: m}
}

type instrumentedClient struct {
	next    provider.Client
	metrics *Metrics
}

func (c *instrumentedClient) GenerateImage(ctx context.Context, req provider.Request) (*provider.Result, error) {
	start := time.Now()
	res, err := c.next.GenerateImage(ctx, req)
	c.metrics.providerDuration.Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = provider.KindOf(err)
	}
	c.metrics.providerRequests.WithLabelValues(outcome).Inc()
	return res, err
}
