package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// ingestEvents counts admission verdicts: new, duplicate, buffered, storage_error.
	ingestEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Inbound events by admission outcome.",
		},
		[]string{"outcome"},
	)

	// ingestTurns counts turns by result: delivered, delivery_failed, timeout or requeued.
	ingestTurns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_turns_total",
			Help: "Processed turns by result.",
		},
		[]string{"result"},
	)

	ingestTurnSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_turn_duration_seconds",
			Help:    "Time from turn release to reply delivery.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
	)
)

func init() {
	prometheus.MustRegister(ingestEvents, ingestTurns, ingestTurnSeconds)
}
