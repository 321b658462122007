package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	ctrlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tunctl",
			Subsystem: "ctrl",
			Name:      "requests_total",
			Help:      "Control requests by command and status code.",
		},
		[]string{"cmd", "code"},
	)
	ctrlDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tunctl",
			Subsystem: "ctrl",
			Name:      "request_duration_seconds",
			Help:      "Control request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"cmd", "code"},
	)
	dumpTurns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tunctl",
			Subsystem: "ctrl",
			Name:      "dump_turns_total",
			Help:      "Dump messages emitted across all sessions.",
		},
	)
	dumpSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tunctl",
			Subsystem: "ctrl",
			Name:      "dump_sessions_active",
			Help:      "Dump sessions currently open.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tunctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total debug HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tunctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Debug HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ctrlRequests, ctrlDuration, dumpTurns, dumpSessions, httpRequests, httpDuration)
	})
}

func RecordCtrlRequest(cmd string, code uint32, duration time.Duration) {
	RegisterMetrics()
	codeLabel := strconv.FormatUint(uint64(code), 10)
	ctrlRequests.WithLabelValues(cmd, codeLabel).Inc()
	ctrlDuration.WithLabelValues(cmd, codeLabel).Observe(duration.Seconds())
}

func RecordDumpTurn() {
	RegisterMetrics()
	dumpTurns.Inc()
}

func DumpSessionOpened() {
	RegisterMetrics()
	dumpSessions.Inc()
}

func DumpSessionClosed() {
	RegisterMetrics()
	dumpSessions.Dec()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
