package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PeerStateTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpd_peer_state",
			Help: "Current FSM state (1) per neighbor; only the active state carries a 1.",
		},
		[]string{"neighbor", "state"},
	)

	PeerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_peer_transitions_total",
			Help: "FSM state transitions by neighbor.",
		},
		[]string{"neighbor", "from", "to"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_messages_total",
			Help: "BGP messages by neighbor, direction and type.",
		},
		[]string{"neighbor", "direction", "type"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_notifications_total",
			Help: "NOTIFICATION messages by neighbor, direction, code and subcode.",
		},
		[]string{"neighbor", "direction", "code", "subcode"},
	)

	AdjRIBOutSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpd_adj_rib_out_size",
			Help: "Routes currently advertised per neighbor and family.",
		},
		[]string{"neighbor", "family"},
	)

	AdjRIBInSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpd_adj_rib_in_size",
			Help: "Routes currently received per neighbor and family.",
		},
		[]string{"neighbor", "family"},
	)

	HelperQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpd_helper_queue_depth",
			Help: "Pending lines queued for a helper process.",
		},
		[]string{"process"},
	)

	HelperQueueDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_helper_queue_dropped_total",
			Help: "Events dropped due to helper backpressure.",
		},
		[]string{"process"},
	)

	HistoryWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpd_history_write_duration_seconds",
			Help:    "RIB-history write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	HistoryBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpd_history_batch_size",
			Help:    "Batch sizes flushed to the history sink.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{},
	)

	EventSinkPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_eventsink_published_total",
			Help: "Events mirrored to the Kafka event sink.",
		},
		[]string{"kind"},
	)

	ReactorTaskQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpd_reactor_task_queue_depth",
			Help: "Pending async-scheduler tasks.",
		},
		[]string{},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		doRegister()
	})
}

func doRegister() {
	prometheus.MustRegister(
		PeerStateTotal,
		PeerTransitionsTotal,
		MessagesTotal,
		NotificationsTotal,
		AdjRIBOutSize,
		AdjRIBInSize,
		HelperQueueDepth,
		HelperQueueDroppedTotal,
		HistoryWriteDuration,
		HistoryBatchSize,
		EventSinkPublishedTotal,
		ReactorTaskQueueDepth,
	)
}
