package mint

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "nutmint"

type metrics struct {
	registry *prometheus.Registry

	mintQuotes    prometheus.Counter
	meltQuotes    prometheus.Counter
	issuedSats    prometheus.Counter
	redeemedSats  prometheus.Counter
	melts         *prometheus.CounterVec
	swaps         prometheus.Counter
	cachedReplies prometheus.Counter

	subscriptions      prometheus.Gauge
	droppedSubscribers prometheus.Counter

	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// newMetrics registers the mint metrics on their own registry
// so that more than one mint can run in the same process.
func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		mintQuotes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mint_quotes_total",
			Help:      "Total mint quotes created.",
		}),
		meltQuotes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "melt_quotes_total",
			Help:      "Total melt quotes created.",
		}),
		issuedSats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "issued_sats_total",
			Help:      "Total amount of ecash signed.",
		}),
		redeemedSats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "redeemed_sats_total",
			Help:      "Total amount of ecash spent.",
		}),
		melts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "melts_total",
			Help:      "Melt requests by outcome.",
		}, []string{"outcome"}),
		swaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "swaps_total",
			Help:      "Total swaps processed.",
		}),
		cachedReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cached_responses_total",
			Help:      "Issuance and swap requests answered from the request cache.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "subscriptions",
			Help:      "Active websocket subscriptions.",
		}),
		droppedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers disconnected because their queue was full.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	m.registry.MustRegister(
		m.mintQuotes,
		m.meltQuotes,
		m.issuedSats,
		m.redeemedSats,
		m.melts,
		m.swaps,
		m.cachedReplies,
		m.subscriptions,
		m.droppedSubscribers,
		m.requests,
		m.durations,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// middleware records the count and duration of requests per route.
func (m *metrics) middleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
		next(recorder, req)
		m.requests.WithLabelValues(route, req.Method, http.StatusText(recorder.status)).Inc()
		m.durations.WithLabelValues(route, req.Method).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
