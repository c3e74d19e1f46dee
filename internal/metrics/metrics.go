package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Client session metrics
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connected_clients",
			Help: "Number of currently connected downstream clients",
		},
	)

	RejectedHandshakes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rejected_handshakes_total",
			Help: "Total handshakes rejected for bad credentials",
		},
	)

	EvictedClients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_evicted_clients_total",
			Help: "Total clients evicted for falling behind or write errors",
		},
	)

	// Subscription metrics
	ActivePairs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_pairs",
			Help: "Number of pairs in the aggregate upstream subscription",
		},
	)

	ClientMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_client_messages_total",
			Help: "Total inbound client control messages by type",
		},
		[]string{"type"}, // subscribe, unsubscribe, invalid, rate_limited
	)

	// Upstream feed metrics
	UpstreamConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_upstream_connected",
			Help: "Whether the upstream feed connection is established (0/1)",
		},
	)

	UpstreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_upstream_reconnects_total",
			Help: "Total upstream reconnect attempts scheduled",
		},
	)

	UpstreamFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_frames_total",
			Help: "Total frames received from the upstream feed by kind",
		},
		[]string{"kind"}, // price, ack, other, invalid
	)

	ControlFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_control_frames_total",
			Help: "Total control frames sent upstream by type",
		},
		[]string{"type"},
	)

	// Delivery metrics
	DeliveredMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_delivered_messages_total",
			Help: "Total messages queued to client sessions",
		},
	)

	DroppedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_dropped_messages_total",
			Help: "Total messages dropped because a client queue was full",
		},
	)

	DeliveryRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_delivery_ratio",
			Help: "Ratio of delivered to attempted client messages (0-1)",
		},
	)

	// Mirror metrics
	MirrorPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_mirror_publishes_total",
			Help: "Total Redis mirror publishes by outcome",
		},
		[]string{"outcome"}, // success, failure
	)
)

// TrackDelivery records one delivery attempt and refreshes the ratio gauge.
func TrackDelivery(delivered bool) {
	if delivered {
		DeliveredMessages.Inc()
	} else {
		DroppedMessages.Inc()
	}
	updateDeliveryRatio()
}

// updateDeliveryRatio recalculates the delivered/attempted ratio from the
// counters. This is an approximation for real-time display; dashboards
// should rate() the underlying counters instead.
func updateDeliveryRatio() {
	deliveredMetric := &dto.Metric{}
	droppedMetric := &dto.Metric{}

	if DeliveredMessages.Write(deliveredMetric) != nil || DroppedMessages.Write(droppedMetric) != nil {
		return
	}

	delivered := deliveredMetric.Counter.GetValue()
	dropped := droppedMetric.Counter.GetValue()

	total := delivered + dropped
	if total > 0 {
		DeliveryRatio.Set(delivered / total)
	}
}
