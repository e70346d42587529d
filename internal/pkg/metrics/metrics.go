package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_upstream_ticks_total",
		Help: "The total number of ticks received from the upstream feed",
	})

	TicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_upstream_ticks_dropped_total",
		Help: "Inbound upstream messages dropped as malformed",
	})

	FanoutDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_fanout_deliveries_total",
		Help: "Tick deliveries to downstream consumers",
	})

	CallbackErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_callback_errors_total",
		Help: "Consumer callbacks that panicked during dispatch",
	})

	UpstreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_upstream_reconnects_total",
		Help: "Successful upstream reconnections",
	})

	UpstreamSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_upstream_subscriptions",
		Help: "Feed identifiers with at least one registered listener",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_sessions",
		Help: "Currently open downstream client sessions",
	})

	ClientMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_client_messages_total",
		Help: "Inbound client messages by type",
	}, []string{"type"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
