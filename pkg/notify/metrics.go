package notify

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	pipemetrics "github.com/pipewright/pipewright/pkg/metrics"
)

var (
	notifyFailures = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "pipewright",
		Subsystem: "notify",
		Name:      "failures_total",
		Help:      "Count of notifications a sink failed to deliver.",
	}, []string{pipemetrics.LabelSink})
)
