package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used as the "reason" label.
const (
	DropQueueFull  = "queue_full"
	DropNotAllowed = "not_allowed"
	DropNoSession  = "no_session"
	DropInactive   = "session_inactive"
	DropProtocol   = "protocol_violation"
	DropNotLinked  = "not_connected"
)

var (
	registerOnce sync.Once

	relayedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canbridge",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames relayed across the gateway.",
		},
		[]string{"direction"},
	)
	droppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canbridge",
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Frames dropped by the relay.",
		},
		[]string{"path", "reason"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "canbridge",
			Subsystem: "relay",
			Name:      "queue_depth",
			Help:      "Frames currently held by a relay queue.",
		},
		[]string{"queue"},
	)
	sessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canbridge",
			Subsystem: "gateway",
			Name:      "sessions_total",
			Help:      "Client sessions accepted.",
		},
	)
	protocolViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canbridge",
			Subsystem: "gateway",
			Name:      "protocol_violations_total",
			Help:      "Sessions closed after a framing violation.",
		},
	)
	busSendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canbridge",
			Subsystem: "bus",
			Name:      "send_failures_total",
			Help:      "Bus driver send failures.",
		},
	)
	linkTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canbridge",
			Subsystem: "link",
			Name:      "transitions_total",
			Help:      "Reconnecting transport state transitions.",
		},
		[]string{"node", "state"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "canbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			relayedFrames,
			droppedFrames,
			queueDepth,
			sessions,
			protocolViolations,
			busSendFailures,
			linkTransitions,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordRelayed(direction string) {
	RegisterMetrics()
	relayedFrames.WithLabelValues(direction).Inc()
}

// RecordDrop counts one dropped frame. path is a queue name or direction.
func RecordDrop(path, reason string) {
	RegisterMetrics()
	droppedFrames.WithLabelValues(path, reason).Inc()
}

func SetQueueDepth(queue string, depth int) {
	RegisterMetrics()
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func RecordSession() {
	RegisterMetrics()
	sessions.Inc()
}

func RecordProtocolViolation() {
	RegisterMetrics()
	protocolViolations.Inc()
}

func RecordBusSendFailure() {
	RegisterMetrics()
	busSendFailures.Inc()
}

func RecordLinkTransition(node, state string) {
	RegisterMetrics()
	linkTransitions.WithLabelValues(node, state).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
