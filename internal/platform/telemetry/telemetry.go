// Package telemetry exposes the bridge's Prometheus metrics: HTTP server
// latency, archive fetches, ingestion outcomes, date substitutions and
// worklist emission. Collectors live on a private registry so that every
// Provider (and every test) starts from zero.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config controls the provider.
type Config struct {
	Namespace      string
	MetricsEnabled bool
	// RuntimeCollectors adds the Go runtime and process collectors.
	RuntimeCollectors bool
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "dicombridge"
	}
}

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider owns the registry and every collector. A nil *Provider is valid
// and records nothing.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	httpDuration   *prometheus.HistogramVec
	httpActive     prometheus.Gauge
	archiveFetches *prometheus.CounterVec
	archiveLatency *prometheus.HistogramVec
	ingestions     *prometheus.CounterVec
	ingestDuration prometheus.Histogram
	entities       *prometheus.CounterVec
	dateFallbacks  *prometheus.CounterVec
	emissions      *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
}

// NewProvider registers all collectors on a fresh registry.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	ns := cfg.Namespace
	p := &Provider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "http_active_requests",
			Help:      "Number of in-flight HTTP requests",
		}),
		archiveFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "archive_fetch_total",
			Help:      "Archive metadata fetches by resource type and outcome",
		}, []string{"resource", "outcome"}),
		archiveLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "archive_fetch_duration_seconds",
			Help:      "Duration of archive metadata fetches in seconds",
			Buckets:   defaultDurationBuckets,
		}, []string{"resource"}),
		ingestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "ingestions_total",
			Help:      "Ingestion events by terminal state",
		}, []string{"state"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "ingestion_duration_seconds",
			Help:      "Duration of one ingestion event in seconds",
			Buckets:   defaultDurationBuckets,
		}),
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "ingested_entities_total",
			Help:      "Rows written or skipped during ingestion",
		}, []string{"entity", "outcome"}),
		dateFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "date_fallbacks_total",
			Help:      "Unparseable dates replaced with the ingestion time",
		}, []string{"field"}),
		emissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "worklist_emissions_total",
			Help:      "Worklist files written, removed or rendered as fallback",
		}, []string{"outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "webhook_events_total",
			Help:      "Archive change notifications by disposition",
		}, []string{"disposition"}),
	}
	p.registry.MustRegister(
		p.httpDuration, p.httpActive,
		p.archiveFetches, p.archiveLatency,
		p.ingestions, p.ingestDuration, p.entities, p.dateFallbacks,
		p.emissions, p.webhookEvents,
	)
	if cfg.RuntimeCollectors {
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return p
}

// Registry returns the underlying registry.
func (p *Provider) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

// ---------------------------------------------------------------------------
// Recorders
// ---------------------------------------------------------------------------

// RecordArchiveFetch records one archive GET.
func (p *Provider) RecordArchiveFetch(resource string, ok bool, d time.Duration) {
	if p == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "not_found"
	}
	p.archiveFetches.WithLabelValues(resource, outcome).Inc()
	p.archiveLatency.WithLabelValues(resource).Observe(d.Seconds())
}

// RecordIngestion records the terminal state of one ingestion event.
func (p *Provider) RecordIngestion(state string, d time.Duration) {
	if p == nil {
		return
	}
	p.ingestions.WithLabelValues(state).Inc()
	p.ingestDuration.Observe(d.Seconds())
}

// RecordEntity records one entity outcome ("created", "existing", "failed").
func (p *Provider) RecordEntity(entity, outcome string) {
	if p == nil {
		return
	}
	p.entities.WithLabelValues(entity, outcome).Inc()
}

// RecordDateFallback records a date that defaulted to the ingestion time.
func (p *Provider) RecordDateFallback(field string) {
	if p == nil {
		return
	}
	p.dateFallbacks.WithLabelValues(field).Inc()
}

// RecordEmission records a worklist file outcome ("written", "fallback", "removed", "failed").
func (p *Provider) RecordEmission(outcome string) {
	if p == nil {
		return
	}
	p.emissions.WithLabelValues(outcome).Inc()
}

// RecordWebhook records a webhook disposition ("ingested", "ignored", "failed").
func (p *Provider) RecordWebhook(disposition string) {
	if p == nil {
		return
	}
	p.webhookEvents.WithLabelValues(disposition).Inc()
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p == nil || !p.cfg.MetricsEnabled {
				return next(c)
			}
			p.httpActive.Inc()
			defer p.httpActive.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := strconv.Itoa(c.Response().Status)
			p.httpDuration.WithLabelValues(c.Request().Method, route, status).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
