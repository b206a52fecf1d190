package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memorease_turns_appended_total",
			Help: "Turns durably appended, by speaker",
		},
		[]string{"speaker"},
	)

	CompletionFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memorease_completion_fallbacks_total",
			Help: "Assistant turns answered with the fallback reply, by reason",
		},
		[]string{"reason"},
	)

	CompletionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "memorease_completion_latency_seconds",
			Help: "Completion service round trip in seconds",
		},
	)

	PersistenceRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memorease_persistence_retries_total",
			Help: "Durable write attempts that were retried",
		},
	)

	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memorease_persistence_failures_total",
			Help: "Turns left unsaved after all write attempts",
		},
	)

	CaptureSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memorease_capture_sessions_total",
			Help: "Voice capture sessions, by outcome",
		},
		[]string{"outcome"},
	)

	Utterances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memorease_utterances_total",
			Help: "Speech output utterances, by outcome",
		},
		[]string{"outcome"},
	)

	ActiveFeeds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memorease_active_feeds",
			Help: "Live conversation feeds currently connected",
		},
	)
)
