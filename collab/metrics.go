package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "active_rooms",
		Help:      "Number of active rooms.",
	})
	metricConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "connected_clients",
		Help:      "Number of connected clients across all rooms.",
	})
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "message_queue_depth",
		Help:      "Total pending inbound messages across all rooms.",
	})
	metricMessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "messages_processed_total",
		Help:      "Inbound messages processed, by message type.",
	}, []string{"type"})
	metricBroadcastBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "broadcast_bytes_total",
		Help:      "Bytes broadcast to clients.",
	})
	metricRoomsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "rooms_evicted_total",
		Help:      "Rooms evicted due to inactivity.",
	})
	metricOutputsStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "outputs_stored_total",
		Help:      "Large execution outputs written to the output store.",
	})
	metricOutputsInlined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "outputs_inlined_total",
		Help:      "Small execution outputs inlined into documents.",
	})
)
