package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settlement_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	decryptionRequestsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "coordinator",
			Name:      "requests_issued_total",
			Help:      "Total number of decryption requests issued to the oracle.",
		},
	)

	decryptionRequestsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "coordinator",
			Name:      "requests_resolved_total",
			Help:      "Total number of decryption requests resolved, by terminal status.",
		},
		[]string{"status"},
	)

	refundsCredited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "refunds",
			Name:      "credited_total",
			Help:      "Total number of refund credits, by reason.",
		},
		[]string{"reason"},
	)

	refundsWithdrawn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "refunds",
			Name:      "withdrawn_total",
			Help:      "Total number of successful refund withdrawals.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		decryptionRequestsIssued,
		decryptionRequestsResolved,
		refundsCredited,
		refundsWithdrawn,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordRequestIssued counts an issued decryption request.
func RecordRequestIssued() {
	decryptionRequestsIssued.Inc()
}

// RecordRequestResolved counts a terminal request transition.
func RecordRequestResolved(status string) {
	decryptionRequestsResolved.WithLabelValues(status).Inc()
}

// RecordRefundCredit counts a refund credit by reason.
func RecordRefundCredit(reason string) {
	refundsCredited.WithLabelValues(reason).Inc()
}

// RecordRefundWithdrawal counts a completed withdrawal.
func RecordRefundWithdrawal() {
	refundsWithdrawn.Inc()
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "agreements":
		if len(parts) == 1 {
			return "/agreements"
		}
		if len(parts) == 2 {
			return "/agreements/:agreement"
		}
		return "/agreements/:agreement/" + parts[2]
	case "assets":
		if len(parts) < 3 {
			return "/assets/:asset"
		}
		return "/assets/:asset/" + strings.Join(parts[2:], "/")
	case "requests":
		if len(parts) == 1 {
			return "/requests"
		}
		if len(parts) == 2 {
			return "/requests/:request"
		}
		return "/requests/:request/" + parts[2]
	case "refunds":
		if len(parts) == 1 {
			return "/refunds"
		}
		return "/refunds/" + parts[1]
	default:
		return "/" + parts[0]
	}
}
