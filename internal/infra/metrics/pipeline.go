package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		sessionsSubmittedTotal,
		runsTotal,
		runsInFlight,
		stageDurationSeconds,
		eventLogWritesTotal,
		eventLogBufferedTotal,
	)
}

var (
	sessionsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_submitted_total",
			Help: "Total number of accepted proposal submissions.",
		},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Pipeline runs by final outcome.",
		},
		[]string{"outcome"}, // completed|error|configuration_error|rejected
	)

	runsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_runs_in_flight",
			Help: "Pipeline runs currently executing in this process.",
		},
	)

	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Stage execution time including retries.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "success"},
	)

	eventLogWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventlog_writes_total",
			Help: "Session writes issued by the event log, by trigger.",
		},
		[]string{"trigger"}, // governed|forced|terminal|scheduled
	)

	eventLogBufferedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventlog_buffered_events_total",
			Help: "Events held back by the write governor and flushed later.",
		},
	)
)

func IncSubmitted() { sessionsSubmittedTotal.Inc() }

func IncRun(outcome string) {
	runsTotal.WithLabelValues(norm(outcome)).Inc()
}

// RunStarted bumps the in-flight gauge and returns the matching decrement.
func RunStarted() func() {
	runsInFlight.Inc()
	return runsInFlight.Dec
}

func ObserveStage(stage string, d time.Duration, success bool) {
	s := "false"
	if success {
		s = "true"
	}
	stageDurationSeconds.WithLabelValues(norm(stage), s).Observe(d.Seconds())
}

func IncEventLogWrite(trigger string) {
	eventLogWritesTotal.WithLabelValues(norm(trigger)).Inc()
}

func IncEventBuffered() { eventLogBufferedTotal.Inc() }
