package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Relay metrics
	EnqueuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_enqueues_total",
			Help: "Enqueue attempts by outcome",
		},
		[]string{"outcome"}, // "queued", "replaced", "rejected"
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_quota_rejections_total",
			Help: "Enqueues rejected for size or quota",
		},
		[]string{"reason"},
	)

	DeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_latency_seconds",
			Help:    "Time from enqueue to fetch",
			Buckets: prometheus.ExponentialBuckets(0.5, 4, 10),
		},
	)

	MessagesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_fetched_total",
			Help: "Messages handed to recipients",
		},
	)

	MessagesAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_acked_total",
			Help: "Messages acknowledged and deleted",
		},
	)

	BytesFreed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bytes_freed_total",
			Help: "Mailbox bytes freed",
		},
		[]string{"cause"}, // "ack", "purge", "expiry"
	)

	// Ledger metrics
	HistoryAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_history_appends_total",
			Help: "Ledger appends by outcome",
		},
		[]string{"outcome"}, // "inserted", "deduped", "failed"
	)

	// Sweeper metrics
	ExpiredMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_expired_messages_total",
			Help: "Messages reclaimed by the TTL sweep",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)
