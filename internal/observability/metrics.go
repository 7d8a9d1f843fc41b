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
			Namespace: "novadm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "novadm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	dmRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "novadm",
			Subsystem: "dm",
			Name:      "messages_total",
			Help:      "Device management messages by outcome.",
		},
		[]string{"outcome"},
	)
	unknownCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "novadm",
			Subsystem: "dm",
			Name:      "unknown_commands_total",
			Help:      "Body commands answered with a not-implemented status.",
		},
		[]string{"command"},
	)
	sessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "novadm",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Management sessions created.",
		},
	)
	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "novadm",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Management sessions reaching a terminal state.",
		},
		[]string{"state"},
	)
	offersIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "novadm",
			Subsystem: "update",
			Name:      "offers_total",
			Help:      "Update offers issued to devices.",
		},
	)
	offerPackages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "novadm",
			Subsystem: "update",
			Name:      "offered_packages_total",
			Help:      "Packages included across all update offers.",
		},
	)
	offerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "novadm",
			Subsystem: "update",
			Name:      "offer_outcomes_total",
			Help:      "Device responses to update offers.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			dmRequests, unknownCommands,
			sessionsCreated, sessionsClosed,
			offersIssued, offerPackages, offerOutcomes,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDMRequest(outcome string) {
	RegisterMetrics()
	dmRequests.WithLabelValues(outcome).Inc()
}

func RecordUnknownCommand(command string) {
	RegisterMetrics()
	unknownCommands.WithLabelValues(command).Inc()
}

func RecordSessionCreated() {
	RegisterMetrics()
	sessionsCreated.Inc()
}

func RecordSessionClosed(state string) {
	RegisterMetrics()
	sessionsClosed.WithLabelValues(state).Inc()
}

func RecordOfferIssued(packages int) {
	RegisterMetrics()
	offersIssued.Inc()
	offerPackages.Add(float64(packages))
}

func RecordOfferOutcome(outcome string) {
	RegisterMetrics()
	offerOutcomes.WithLabelValues(outcome).Inc()
}
