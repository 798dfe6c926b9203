package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newstore_records_extracted_total",
		Help: "Total records extracted by stream",
	}, []string{"stream"})

	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newstore_pages_total",
		Help: "Total pages processed by stream and result",
	}, []string{"stream", "result"})

	branchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newstore_branch_failures_total",
		Help: "Total stream invocations abandoned after a permanent failure",
	}, []string{"stream"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "newstore_run_duration_seconds",
		Help:    "Duration of complete extraction runs",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)
