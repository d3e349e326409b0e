// Package metrics exports engine lifecycle events as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kartikbazzad/bunbase/buncat/internal/engine"
)

const namespace = "buncat"

// Collector is an engine.Observer backed by its own registry.
type Collector struct {
	registry *prometheus.Registry

	transactions   *prometheus.CounterVec
	commitLatency  *prometheus.HistogramVec
	mutations      *prometheus.CounterVec
	sessions       *prometheus.GaugeVec
	sessionSeconds prometheus.Histogram
	catalogEvents  *prometheus.CounterVec
	catalogVersion *prometheus.GaugeVec
	requests       *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions by catalog and outcome",
		}, []string{"catalog", "outcome"}),
		commitLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_visible_seconds",
			Help:      "Time from WAL commit timestamp until the change was visible",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"catalog"}),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_mutations_total",
			Help:      "Mutations in committed transactions",
		}, []string{"catalog"}),
		sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Currently open sessions",
		}, []string{"catalog"}),
		sessionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of closed sessions",
			Buckets:   prometheus.DefBuckets,
		}),
		catalogEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_events_total",
			Help:      "Catalog lifecycle events by kind",
		}, []string{"catalog", "event", "state"}),
		catalogVersion: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_version",
			Help:      "Last visible catalog version",
		}, []string{"catalog"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests to the metrics endpoint",
		}, []string{"code"}),
	}
}

// Registry exposes the registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Gauge registers a gauge whose value is read from fn at scrape time.
func (c *Collector) Gauge(name, help string, fn func() float64) {
	promauto.With(c.registry).NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

// Observe implements engine.Observer.
func (c *Collector) Observe(e engine.Event) {
	switch e.Kind {
	case engine.EventTransactionCommitted:
		c.transactions.WithLabelValues(e.Catalog, "committed").Inc()
		c.mutations.WithLabelValues(e.Catalog).Add(float64(e.Mutations))
		c.commitLatency.WithLabelValues(e.Catalog).Observe(e.Duration.Seconds())
		c.catalogVersion.WithLabelValues(e.Catalog).Set(float64(e.Versions.CatalogVersion))
	case engine.EventTransactionRolledBack:
		c.transactions.WithLabelValues(e.Catalog, "rolled_back").Inc()
	case engine.EventSessionOpened:
		c.sessions.WithLabelValues(e.Catalog).Inc()
	case engine.EventSessionClosed:
		c.sessions.WithLabelValues(e.Catalog).Dec()
		c.sessionSeconds.Observe(e.Duration.Seconds())
	case engine.EventCatalogDeleted:
		c.catalogEvents.WithLabelValues(e.Catalog, e.Kind.String(), "").Inc()
		c.sessions.DeleteLabelValues(e.Catalog)
		c.catalogVersion.DeleteLabelValues(e.Catalog)
	default:
		c.catalogEvents.WithLabelValues(e.Catalog, e.Kind.String(), e.State).Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	h := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
	return promhttp.InstrumentHandlerCounter(c.requests, h)
}
