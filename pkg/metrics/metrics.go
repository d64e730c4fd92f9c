// Package metrics registers the service's prometheus collectors. The REST
// server exposes them on /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farmchat_messages_sent_total",
		Help: "Messages accepted on the send path.",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farmchat_send_failures_total",
		Help: "Send requests rejected or failed before apply.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farmchat_ingest_queue_depth",
		Help: "Operations waiting in the ingest queue.",
	})

	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farmchat_ingest_dropped_total",
		Help: "Operations rejected because the ingest queue was full.",
	})

	ApplyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farmchat_ingest_apply_failures_total",
		Help: "Operations that failed while applying to the store.",
	})

	FeedPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmchat_feed_events_total",
		Help: "Change-feed events published, by type.",
	}, []string{"type"})

	FeedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farmchat_feed_dropped_total",
		Help: "Events dropped because a subscriber buffer was full.",
	})

	GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farmchat_gateway_connections",
		Help: "Open websocket connections on the realtime gateway.",
	})

	StoreOpSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "farmchat_store_op_seconds",
		Help:    "Store operation latency by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)
