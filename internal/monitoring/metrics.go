// Package monitoring holds the Prometheus metrics shared by the watchers and
// the API. A nil *Metrics is valid and records nothing.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	EmailsFetched      prometheus.Counter
	Classifications    *prometheus.CounterVec
	RequestsCreated    *prometheus.CounterVec
	Searches           *prometheus.CounterVec
	OptionsStored      prometheus.Counter
	Decisions          *prometheus.CounterVec
	IntegrationErrors  *prometheus.CounterVec
	EmailCycleDuration prometheus.Histogram
}

// NewMetrics registers every metric on its own registry so tests and
// multiple instances never collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procure_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "procure_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		EmailsFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "procure_emails_fetched_total",
			Help: "Messages returned by mailbox reads",
		}),
		Classifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procure_classifications_total",
				Help: "Classifier calls by result",
			},
			[]string{"result"},
		),
		RequestsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procure_requests_created_total",
				Help: "Requests created by source",
			},
			[]string{"source"},
		),
		Searches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procure_searches_total",
				Help: "Sourcing attempts by outcome",
			},
			[]string{"outcome"},
		),
		OptionsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "procure_options_stored_total",
			Help: "Sourcing options persisted",
		}),
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procure_decisions_total",
				Help: "Final decisions by status",
			},
			[]string{"status"},
		),
		IntegrationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procure_integration_errors_total",
				Help: "Email integration failures by stage",
			},
			[]string{"stage"},
		),
		EmailCycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "procure_email_cycle_duration_seconds",
			Help:    "Duration of one email watcher cycle",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
}

func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) RecordEmailsFetched(n int) {
	if m == nil {
		return
	}
	m.EmailsFetched.Add(float64(n))
}

func (m *Metrics) RecordClassification(result string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRequestCreated(source string) {
	if m == nil {
		return
	}
	m.RequestsCreated.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordSearch(outcome string, options int) {
	if m == nil {
		return
	}
	m.Searches.WithLabelValues(outcome).Inc()
	if options > 0 {
		m.OptionsStored.Add(float64(options))
	}
}

func (m *Metrics) RecordDecision(status string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordIntegrationError(stage string) {
	if m == nil {
		return
	}
	m.IntegrationErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveEmailCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.EmailCycleDuration.Observe(d.Seconds())
}

func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
