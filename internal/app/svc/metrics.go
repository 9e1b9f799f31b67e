package svc

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// LabelOperation is the metrics label of the task operation.
	LabelOperation = "operation"
	// LabelOutcome is the metrics label of the task outcome.
	LabelOutcome = "outcome"
	// LabelSuccess is the metrics label of a remote command result.
	LabelSuccess = "success"
)

// Metrics holds the instruments shared by the services.
type Metrics struct {
	CommandDuration metrics.Histogram
	TaskDuration    metrics.Histogram
	FetchDuration   metrics.Histogram
}

// NewMetrics registers the instruments with the default prometheus registry. Call it once per process.
func NewMetrics() Metrics {
	return Metrics{
		CommandDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: "cicd",
			Subsystem: "shell",
			Name:      "command_duration_seconds",
			Help:      "Duration of remote commands in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{LabelSuccess}),
		TaskDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: "cicd",
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Duration of task executions in seconds.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 10800},
		}, []string{LabelOperation, LabelOutcome}),
		FetchDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: "cicd",
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Duration of repository fetches in seconds.",
			Buckets:   stdprometheus.DefBuckets,
		}, []string{LabelSuccess}),
	}
}

// NopMetrics returns instruments that drop every observation.
func NopMetrics() Metrics {
	return Metrics{
		CommandDuration: discard.NewHistogram(),
		TaskDuration:    discard.NewHistogram(),
		FetchDuration:   discard.NewHistogram(),
	}
}
