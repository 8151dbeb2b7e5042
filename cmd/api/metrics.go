package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowflow/outbox"
)

// metrics holds the Prometheus instruments on a dedicated registry so the
// /metrics endpoint only exposes what the service registers itself.
type metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	outboxDepth *prometheus.GaugeVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowflow",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowflow",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowflow",
		Name:      "transitions_total",
		Help:      "Escrow lifecycle operations by outcome.",
	}, []string{"operation", "outcome"})

	outboxDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowflow",
		Name:      "outbox_depth",
		Help:      "Outbox messages by delivery status.",
	}, []string{"status"})

	registry.MustRegister(requests, durations, transitions, outboxDepth)

	return &metrics{
		registry:    registry,
		requests:    requests,
		durations:   durations,
		transitions: transitions,
		outboxDepth: outboxDepth,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// The route pattern is resolved after serving, keeping label
		// cardinality bounded by the route table.
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.durations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// setOutboxDepth records a sampled queue depth. Statuses absent from the
// sample reset to zero.
func (m *metrics) setOutboxDepth(counts map[outbox.Status]int) {
	if m == nil {
		return
	}
	for _, s := range []outbox.Status{outbox.StatusPending, outbox.StatusProcessed, outbox.StatusDead} {
		m.outboxDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// observeTransition counts a lifecycle operation. Rejections driven by
// domain rules are separated from hard failures.
func (m *metrics) observeTransition(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
		if statusFromError(err) >= http.StatusInternalServerError {
			outcome = "error"
		}
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
}
