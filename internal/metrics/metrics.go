package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the message pipeline.
type Metrics struct {
	EventsReceived     *prometheus.CounterVec // by payload kind
	Completions        *prometheus.CounterVec // by outcome
	CompletionRetries  prometheus.Counter
	CompletionDuration prometheus.Histogram
	Transcodes         *prometheus.CounterVec // by outcome
	BusyRejections     prometheus.Counter
	QueueDrops         prometheus.Counter

	ActiveConversations prometheus.Gauge
	InFlight            prometheus.Gauge
}

// New creates all pipeline metrics and registers them on reg. Production
// wiring passes prometheus.DefaultRegisterer; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_events_received_total",
			Help: "Inbound events received, by payload kind",
		}, []string{"kind"}),
		Completions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_completions_total",
			Help: "Completion calls, by terminal outcome",
		}, []string{"outcome"}),
		CompletionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_completion_retries_total",
			Help: "Completion attempts beyond the first",
		}),
		CompletionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_completion_duration_seconds",
			Help:    "Wall-clock duration of completion calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		Transcodes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_transcodes_total",
			Help: "Audio normalization operations, by outcome",
		}, []string{"outcome"}),
		BusyRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_busy_rejections_total",
			Help: "Events rejected because the conversation was busy",
		}),
		QueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_queue_drops_total",
			Help: "Queued events dropped on overflow",
		}),
		ActiveConversations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_active_conversations",
			Help: "Conversations currently held in the session store",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_inflight_operations",
			Help: "Orchestrator operations currently processing",
		}),
	}
}
