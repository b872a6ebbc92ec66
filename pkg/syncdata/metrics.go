package syncdata

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for monitoring sync listen servers:
var (
	sessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hostsync",
			Name:      "sessions_started_total",
			Help:      "Number of sync sessions created by listen servers.",
		},
	)

	sessionsFinished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hostsync",
			Name:      "sessions_finished_total",
			Help:      "Number of sync sessions whose merged result was delivered.",
		},
	)

	sessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hostsync",
			Name:      "sessions_expired_total",
			Help:      "Number of sync sessions discarded before every host submitted.",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hostsync",
			Name:      "active_sessions",
			Help:      "Number of sync sessions currently held by listen servers.",
		},
	)

	payloadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hostsync",
			Name:      "payload_bytes",
			Help:      "Size of payloads submitted to sync sessions.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 10),
		},
	)
)
