// Package metrics holds the Prometheus collectors for connection factories
// and online registries. Collectors register with the default registry the
// first time any of them is recorded.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Connect results.
const (
	ResultSuccess = "success"
	ResultTimeout = "timeout"
	ResultFailure = "failure"
	ResultInvalid = "invalid_state"
)

var (
	registerOnce sync.Once

	connectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmtp",
			Subsystem: "factory",
			Name:      "connect_total",
			Help:      "Connect attempts made by client factories.",
		},
		[]string{"transport", "result"},
	)
	connectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dmtp",
			Subsystem: "factory",
			Name:      "connect_seconds",
			Help:      "Connect attempt duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"transport"},
	)
	disposedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmtp",
			Subsystem: "factory",
			Name:      "disposed_total",
			Help:      "Clients disposed by factories, labelled by whether shutdown failed.",
		},
		[]string{"transport", "shutdown_error"},
	)
	sessionsOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dmtp",
			Name:      "sessions_online",
			Help:      "Sessions currently registered online.",
		},
		[]string{"service"},
	)
	registryRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmtp",
			Subsystem: "registry",
			Name:      "rejections_total",
			Help:      "Sessions rejected before reaching the online registry.",
		},
		[]string{"service", "reason"},
	)
	adminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmtp",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Admin API requests.",
		},
		[]string{"method", "path", "status"},
	)
	adminDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dmtp",
			Subsystem: "admin",
			Name:      "request_seconds",
			Help:      "Admin API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Register adds every collector to the default registry. It is safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connectTotal, connectDuration, disposedTotal, sessionsOnline, registryRejections,
			adminRequests, adminDuration)
	})
}

func RecordConnect(transport, result string, duration time.Duration) {
	Register()
	connectTotal.WithLabelValues(transport, result).Inc()
	connectDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

func RecordDispose(transport string, shutdownFailed bool) {
	Register()
	label := "false"
	if shutdownFailed {
		label = "true"
	}
	disposedTotal.WithLabelValues(transport, label).Inc()
}

func SetSessionsOnline(service string, n int) {
	Register()
	sessionsOnline.WithLabelValues(service).Set(float64(n))
}

func RecordRejection(service, reason string) {
	Register()
	registryRejections.WithLabelValues(service, reason).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	Register()
	adminRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	adminDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
