package git

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	pipemetrics "github.com/pipewright/pipewright/pkg/metrics"
)

var (
	migrationCheckDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "pipewright",
		Subsystem: "git",
		Name:      "migration_check_duration_seconds",
		Help:      "Duration of cloning a branch and diffing it for migration changes, in seconds.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{pipemetrics.LabelSuccess})
)
