// Package metrics exposes Prometheus metrics for imports and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/enroll/internal/importer"
)

const namespace = "enroll"

// Metrics records import and request metrics on its own registry. It
// implements importer.Observer.
type Metrics struct {
	reg *prometheus.Registry

	ValidatedRows      *prometheus.CounterVec
	Submissions        *prometheus.CounterVec
	RowsSubmitted      *prometheus.CounterVec
	SubmissionDuration *prometheus.HistogramVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New creates a registry with the Go runtime and process collectors plus
// the import metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		ValidatedRows: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_validated_total",
				Help:      "Rows validated, by entity and result",
			},
			[]string{"entity", "result"},
		),
		Submissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Submission runs, by entity, mode and outcome",
			},
			[]string{"entity", "mode", "outcome"},
		),
		RowsSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_submitted_total",
				Help:      "Rows sent to the school system, by entity and status",
			},
			[]string{"entity", "status"},
		),
		SubmissionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "submission_duration_seconds",
				Help:      "Duration of submission runs",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"entity", "mode"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests, by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// RowsValidated implements importer.Observer.
func (m *Metrics) RowsValidated(entity string, valid, invalid int) {
	m.ValidatedRows.WithLabelValues(entity, "valid").Add(float64(valid))
	m.ValidatedRows.WithLabelValues(entity, "invalid").Add(float64(invalid))
}

// SubmissionFinished implements importer.Observer.
func (m *Metrics) SubmissionFinished(entity string, res *importer.SessionResult) {
	if res == nil {
		return
	}
	m.Submissions.WithLabelValues(entity, string(res.Mode), string(res.Outcome)).Inc()
	m.RowsSubmitted.WithLabelValues(entity, string(importer.StatusSuccess)).Add(float64(res.Succeeded))
	m.RowsSubmitted.WithLabelValues(entity, string(importer.StatusError)).Add(float64(res.Failed))
	if res.Attempted > 0 {
		m.SubmissionDuration.WithLabelValues(entity, string(res.Mode)).Observe(res.Duration.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Middleware counts requests by chi route pattern so path parameters do
// not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
