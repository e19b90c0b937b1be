package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "realtime", Name: "connections_active", Help: "Currently open websocket connections"})

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "realtime", Name: "connections_total", Help: "Connection attempts by outcome"},
		[]string{"outcome"},
	)

	RoomJoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "realtime", Name: "room_joins_total", Help: "Room join requests by outcome"},
		[]string{"category", "outcome"},
	)

	LocationUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "realtime", Name: "location_updates_total", Help: "Accepted driver location updates"})

	NotificationsPersisted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "realtime", Name: "notifications_persisted_total", Help: "Notification records written to durable storage"})
	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "realtime", Name: "notifications_delivered_total", Help: "Notification deliveries by channel"},
		[]string{"channel"},
	)
	PushTokensRemoved = promauto.NewCounter(prometheus.CounterOpts{Namespace: "realtime", Name: "push_tokens_removed_total", Help: "Device tokens removed after provider rejection"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "realtime", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "realtime",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
