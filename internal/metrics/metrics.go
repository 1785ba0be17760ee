package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sfc_transfer"

var (
	// Registry holds the service's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	transferRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "transfer_requests_total",
			Help:      "Transfer requests by result code.",
		},
		[]string{"result"},
	)

	callbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "callbacks_total",
			Help:      "Gateway callbacks by outcome.",
		},
		[]string{"outcome", "status"},
	)

	gatewayCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Duration of gateway calls including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"op", "outcome"},
	)

	staleTransfers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "stale_waiting_transfers",
			Help:      "WAITING transfers older than the stale threshold at the last sweep.",
		},
	)

	unmatchedCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "unmatched_callbacks_total",
			Help:      "Callbacks retained or replayed because their account could not be resolved.",
		},
		[]string{"action"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		transferRequests,
		callbacks,
		gatewayCalls,
		staleTransfers,
		unmatchedCallbacks,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Instrument records request counts and latency, labelled by the matched chi route pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordTransfer counts a transfer request by its result code.
func RecordTransfer(result string) {
	transferRequests.WithLabelValues(result).Inc()
}

// RecordCallback counts a reconciled callback.
func RecordCallback(outcome, status string) {
	if status == "" {
		status = "unknown"
	}
	callbacks.WithLabelValues(outcome, status).Inc()
}

// ObserveGatewayCall records a gateway call duration.
func ObserveGatewayCall(op, outcome string, duration time.Duration) {
	gatewayCalls.WithLabelValues(op, outcome).Observe(duration.Seconds())
}

// SetStaleTransfers sets the stale WAITING transfer gauge.
func SetStaleTransfers(n int) {
	staleTransfers.Set(float64(n))
}

// RecordUnmatchedCallback counts an unmatched callback action (retained, replayed, still_unmatched, abandoned).
func RecordUnmatchedCallback(action string) {
	unmatchedCallbacks.WithLabelValues(action).Inc()
}
