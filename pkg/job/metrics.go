package job

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	pipemetrics "github.com/pipewright/pipewright/pkg/metrics"
)

var (
	jobDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "pipewright",
		Subsystem: "job",
		Name:      "duration_seconds",
		Help:      "Duration of background jobs, in seconds.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{pipemetrics.LabelSuccess})
	queueLength = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "pipewright",
		Subsystem: "job",
		Name:      "queue_length_count",
		Help:      "Count of jobs waiting in the queue.",
	}, []string{})
)
