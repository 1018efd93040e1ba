package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions is the number of live sessions seen by the last
	// ListActive call.
	// Labels: backend (memory, redis, sqlite)
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "newsrag",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of active sessions at the last listing",
		},
		[]string{"backend"},
	)

	// ReapedSessions counts sessions removed for inactivity.
	ReapedSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "newsrag",
			Subsystem: "session",
			Name:      "reaped_total",
			Help:      "Total number of sessions expired and removed",
		},
		[]string{"backend"},
	)

	// MessagesAppended counts messages written to session logs.
	// Labels: backend, role (user, bot)
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "newsrag",
			Subsystem: "session",
			Name:      "messages_appended_total",
			Help:      "Total number of messages appended to session logs",
		},
		[]string{"backend", "role"},
	)
)
