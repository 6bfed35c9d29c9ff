package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smbwire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total diagnostics HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smbwire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Diagnostics HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	clientRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smbwire",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "SMB requests completed by outcome.",
		},
		[]string{"dialect", "command", "outcome"},
	)
	clientDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smbwire",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "SMB request round trip in seconds, submission to resolution.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"dialect", "command"},
	)
	clientCredits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "smbwire",
			Subsystem: "client",
			Name:      "credits",
			Help:      "Credits currently available per connection.",
		},
		[]string{"remote"},
	)
	clientOutstanding = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "smbwire",
			Subsystem: "client",
			Name:      "outstanding_requests",
			Help:      "Requests in the pending table per connection.",
		},
		[]string{"remote"},
	)
	clientDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smbwire",
			Subsystem: "client",
			Name:      "disconnects_total",
			Help:      "Connection teardowns by cause.",
		},
		[]string{"cause"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			clientRequests, clientDuration, clientCredits, clientOutstanding, clientDisconnects,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRequest counts one resolved SMB request.
func RecordRequest(dialect, command, outcome string, duration time.Duration) {
	RegisterMetrics()
	clientRequests.WithLabelValues(dialect, command, outcome).Inc()
	clientDuration.WithLabelValues(dialect, command).Observe(duration.Seconds())
}

func RecordConnectionState(remote string, credits uint32, outstanding int) {
	RegisterMetrics()
	clientCredits.WithLabelValues(remote).Set(float64(credits))
	clientOutstanding.WithLabelValues(remote).Set(float64(outstanding))
}

func RecordDisconnect(remote, cause string) {
	RegisterMetrics()
	clientDisconnects.WithLabelValues(cause).Inc()
	clientCredits.DeleteLabelValues(remote)
	clientOutstanding.DeleteLabelValues(remote)
}
