package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks node-wide Prometheus metrics
type Metrics struct {
	// Discovery metrics
	RegistryManifests prometheus.Gauge
	ManifestsAccepted prometheus.Counter
	ManifestsDropped  *prometheus.CounterVec

	// Channel metrics
	MessagesReceived *prometheus.CounterVec
	DeliveryEvents   *prometheus.CounterVec
	PublishRetries   prometheus.Counter
	AcksPublished    prometheus.Counter

	// Health metrics
	HealthState    prometheus.Gauge
	ConnectedPeers prometheus.Gauge
	TopicPeers     prometheus.Gauge

	// Pipeline metrics
	PipelineRuns  *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	MirrorsPinned prometheus.Gauge

	// Relay metrics
	RelayMessages    *prometheus.CounterVec
	RelaySubscribers prometheus.Gauge
}

// New creates and registers Prometheus metrics. A nil registry gets a
// private one so callers in tests never collide on the default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		RegistryManifests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "freepress_registry_manifests",
			Help: "Number of manifests held in the discovery registry",
		}),
		ManifestsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "freepress_manifests_accepted_total",
			Help: "Total number of new manifests ingested",
		}),
		ManifestsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freepress_manifests_dropped_total",
			Help: "Total number of received manifests dropped",
		}, []string{"reason"}),

		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freepress_channel_messages_received_total",
			Help: "Total number of channel messages delivered to subscribers",
		}, []string{"source"}),
		DeliveryEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freepress_channel_delivery_events_total",
			Help: "Total number of outbound delivery events",
		}, []string{"event"}),
		PublishRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "freepress_channel_publish_retries_total",
			Help: "Total number of substrate publish retries",
		}),
		AcksPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "freepress_channel_acks_published_total",
			Help: "Total number of acknowledgement envelopes published",
		}),

		HealthState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "freepress_health_state",
			Help: "Substrate health (0 disconnected, 1 unhealthy, 2 minimally healthy, 3 sufficiently healthy)",
		}),
		ConnectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "freepress_connected_peers",
			Help: "Number of connected substrate peers",
		}),
		TopicPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "freepress_topic_peers",
			Help: "Number of peers subscribed to the discovery topic",
		}),

		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freepress_pipeline_runs_total",
			Help: "Total number of mirror pipeline runs by outcome",
		}, []string{"result"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "freepress_pipeline_stage_duration_seconds",
			Help:    "Mirror pipeline stage latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		MirrorsPinned: factory.NewGauge(prometheus.GaugeOpts{
			Name: "freepress_mirrors_pinned",
			Help: "Number of mirror records with an active pin",
		}),

		RelayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freepress_relay_messages_total",
			Help: "Total number of relay operations by kind",
		}, []string{"op"}),
		RelaySubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "freepress_relay_subscribers",
			Help: "Number of open relay subscription streams",
		}),
	}
}
