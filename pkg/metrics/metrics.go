// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maid_ws_active_connections",
		Help: "Currently open WebSocket connections.",
	})

	TurnsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maid_turns_started_total",
		Help: "Streaming turns started.",
	})

	TurnsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maid_turns_completed_total",
		Help: "Streaming turns finished, by outcome.",
	}, []string{"outcome"})

	StreamDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maid_stream_deltas_total",
		Help: "Text deltas sent to clients.",
	})

	ExtractionRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maid_extraction_runs_total",
		Help: "Memory extraction runs claimed from the queue.",
	})

	ExtractionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maid_extraction_failures_total",
		Help: "Memory extraction runs that exhausted their retries.",
	})

	ExtractionFacts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maid_extraction_facts_total",
		Help: "Facts derived from conversations.",
	})

	MemoriesMutated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maid_memories_mutated_total",
		Help: "Memory rows changed by extraction, by action.",
	}, []string{"action"})
)
