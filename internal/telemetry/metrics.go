package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Group membership ----
	Members = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zkgroup",
			Name:      "members",
			Help:      "Last observed number of members per group.",
		},
		[]string{"group"},
	)

	Broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zkgroup",
			Name:      "broadcasts_total",
			Help:      "Membership broadcast passes, by outcome (changed, unchanged, error).",
		},
		[]string{"group", "result"},
	)

	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zkgroup",
			Name:      "deliveries_total",
			Help:      "Membership deltas delivered to subscriber callbacks.",
		},
		[]string{"group"},
	)

	Subscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zkgroup",
			Name:      "subscriptions",
			Help:      "Active membership subscriptions per group.",
		},
		[]string{"group"},
	)

	QueuePending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zkgroup",
			Name:      "queue_pending",
			Help:      "Callbacks waiting in a serial queue.",
		},
		[]string{"queue"},
	)

	CallbackPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zkgroup",
			Name:      "callback_panics_total",
			Help:      "Callbacks that panicked and were recovered by their serial queue.",
		},
		[]string{"queue"},
	)

	// ---- Status HTTP ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zkgroup",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zkgroup",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zkgroup",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zkgroup",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zkgroup",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		Members, Broadcasts, Deliveries, Subscriptions, QueuePending, CallbackPanics,
		RequestsTotal, RequestDuration, InFlight, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ForgetGroup drops the per-group series once a group is closed so long
// running processes that cycle through groups do not accumulate them.
func ForgetGroup(group string) {
	Members.DeleteLabelValues(group)
	Subscriptions.DeleteLabelValues(group)
	Deliveries.DeleteLabelValues(group)
	for _, result := range []string{"changed", "unchanged", "error"} {
		Broadcasts.DeleteLabelValues(group, result)
	}
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
