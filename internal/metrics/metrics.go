// Package metrics exposes Prometheus instrumentation for the orchestrator.
// Collectors are registered at init through promauto; callers go through the
// helper functions so label values stay consistent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_events_published_total",
		Help: "Events appended to the log and fanned out, by event type",
	}, []string{"type"})

	subscriberDropTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_subscriber_drop_total",
		Help: "Events dropped on a slow delivery surface (backpressure)",
	}, []string{"surface"}) // surface=bus|sse|ws

	publishFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchboard_publish_failures_total",
		Help: "Publishes that failed to append to the event log",
	})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchboard_sessions_active",
		Help: "Sessions currently registered and not finished",
	})

	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_sends_total",
		Help: "Input submissions by outcome",
	}, []string{"outcome"}) // outcome=accepted|busy|finished|error

	backendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_backend_errors_total",
		Help: "Backend failures by recoverability",
	}, []string{"recoverable"})

	streamClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "switchboard_stream_clients",
		Help: "Connected event stream clients per surface",
	}, []string{"surface"}) // surface=sse|ws

	permissionDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_permission_decisions_total",
		Help: "Permission request resolutions by decision and source",
	}, []string{"decision", "source"}) // decision=approved|denied source=api|policy

	pluginDispatchSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "switchboard_plugin_dispatch_seconds",
		Help:    "Time spent delivering one event to a plugin host",
		Buckets: prometheus.DefBuckets,
	}, []string{"plugin"})

	pluginDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_plugin_dispatch_total",
		Help: "Plugin deliveries by outcome",
	}, []string{"plugin", "outcome"}) // outcome=ok|error|timeout

	historyArchivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchboard_history_archived_total",
		Help: "Events persisted to the history archive",
	})
)

func IncEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// IncPublishFailure records an event that could not be appended to the log.
// Every failure here was reported to the publisher as an error.
func IncPublishFailure() { publishFailuresTotal.Inc() }

// IncSubscriberDrop records an event dropped because a subscriber's buffer
// was full.
func IncSubscriberDrop(surface string) {
	if surface == "" {
		surface = "unknown"
	}
	subscriberDropTotal.WithLabelValues(surface).Inc()
}

func RecordActiveSessions(n int) { sessionsActive.Set(float64(n)) }

func IncSend(outcome string) { sendsTotal.WithLabelValues(outcome).Inc() }

func IncBackendError(recoverable bool) {
	if recoverable {
		backendErrorsTotal.WithLabelValues("true").Inc()
		return
	}
	backendErrorsTotal.WithLabelValues("false").Inc()
}

func IncStreamClient(surface string) { streamClients.WithLabelValues(surface).Inc() }
func DecStreamClient(surface string) { streamClients.WithLabelValues(surface).Dec() }

func IncPermissionDecision(approved bool, source string) {
	decision := "denied"
	if approved {
		decision = "approved"
	}
	permissionDecisionsTotal.WithLabelValues(decision, source).Inc()
}

// ObservePluginDispatch records one delivery attempt to a plugin host.
func ObservePluginDispatch(plugin, outcome string, seconds float64) {
	pluginDispatchSeconds.WithLabelValues(plugin).Observe(seconds)
	pluginDispatchTotal.WithLabelValues(plugin, outcome).Inc()
}

// AddArchived records events written to the history archive.
func AddArchived(n int) { historyArchivedTotal.Add(float64(n)) }
