package workflow

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	pipemetrics "github.com/pipewright/pipewright/pkg/metrics"
)

var (
	stepDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "pipewright",
		Subsystem: "workflow",
		Name:      "step_duration_seconds",
		Help:      "Duration of workflow steps, in seconds.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{pipemetrics.LabelStep, pipemetrics.LabelSuccess})
	pollAttempts = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "pipewright",
		Subsystem: "workflow",
		Name:      "poll_attempts_total",
		Help:      "Count of steps that found their resource still converging.",
	}, []string{pipemetrics.LabelStep})
	executionsFinished = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "pipewright",
		Subsystem: "workflow",
		Name:      "executions_finished_total",
		Help:      "Count of executions that reached a terminal state.",
	}, []string{pipemetrics.LabelSuccess})
	webhookEvents = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "pipewright",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Count of webhook events received, by what was done about them.",
	}, []string{pipemetrics.LabelEvent, pipemetrics.LabelAction})
)
