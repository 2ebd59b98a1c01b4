package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "clinrule"
)

var (
	validateBuckets = []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1}
	qcBuckets       = []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600}

	// Rule cache
	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Compiled rule lookups by result.",
	}, []string{"result"})

	CacheCompilationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "compilations_total",
		Help:      "Rule compilations by outcome.",
	}, []string{"status"})

	CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Compiled rules evicted after a definition change.",
	})

	// Real-time validation
	ValidationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "duration_seconds",
		Help:      "Time taken to validate one field value.",
		Buckets:   validateBuckets,
	})

	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "validations_total",
		Help:      "Field validations by outcome.",
	}, []string{"outcome"})

	ValidationBudgetExceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "budget_exceeded_total",
		Help:      "Validations that took longer than the latency budget.",
	})

	// Batch QC
	QCRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "qc",
		Name:      "runs_total",
		Help:      "QC runs by status.",
	}, []string{"status"})

	QCRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "qc",
		Name:      "run_duration_seconds",
		Help:      "Time taken for a QC run to complete.",
		Buckets:   qcBuckets,
	})

	QCRecordsScannedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "qc",
		Name:      "records_scanned_total",
		Help:      "Records scanned by QC runs.",
	})

	QCViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "qc",
		Name:      "violations_total",
		Help:      "Violation lifecycle changes made by QC runs.",
	}, []string{"change"})

	QCRunLastSuccessTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "qc",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last completed QC run.",
	})
)
