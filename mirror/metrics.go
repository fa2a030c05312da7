package mirror

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hostedci/checkout-cache/retry"
)

var (
	// hydrationCount is a Counter vector of first-time mirror clones
	hydrationCount *prometheus.CounterVec
	// operationCount is a Counter vector of mirror maintenance operations
	operationCount *prometheus.CounterVec
	// operationLatency is a Histogram vector of maintenance op durations
	operationLatency *prometheus.HistogramVec
)

// EnableMetrics will enable metrics collection for mirror operations.
// Available metrics are...
//   - git_mirror_hydration_count - (tags: repo,success)
//     A Counter for each first-time clone attempt, tagged with the result
//   - git_mirror_operation_count - (tags: repo,op,result)
//     A Counter for each maintenance operation (refresh/gc/fsck),
//     result is one of success|failure|timeout
//   - git_mirror_operation_duration_seconds - (tags: repo,op)
//     A Histogram of maintenance operation durations
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	hydrationCount = promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "git_mirror_hydration_count",
		Help:      "Count of first-time mirror clone attempts",
	},
		[]string{
			// name of the repository
			"repo",
			// Whether the clone was successful or not
			"success",
		},
	)

	operationCount = promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "git_mirror_operation_count",
		Help:      "Count of mirror maintenance operations",
	},
		[]string{
			"repo",
			// operation name refresh|gc|fsck
			"op",
			// success, failure or timeout
			"result",
		},
	)

	operationLatency = promauto.With(registerer).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "git_mirror_operation_duration_seconds",
		Help:      "Latency of mirror maintenance operations",
		Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300},
	},
		[]string{
			"repo",
			"op",
		},
	)
}

func recordHydration(repo string, success bool) {
	// if metrics not enabled return
	if hydrationCount == nil {
		return
	}
	hydrationCount.With(prometheus.Labels{
		"repo":    repo,
		"success": strconv.FormatBool(success),
	}).Inc()
}

func recordOperationResult(repo, op string, res retry.Result) {
	if operationCount == nil {
		return
	}

	result := "success"
	switch {
	case res.TimedOut:
		result = "timeout"
	case !res.Success:
		result = "failure"
	}

	operationCount.With(prometheus.Labels{
		"repo":   repo,
		"op":     op,
		"result": result,
	}).Inc()
}

func recordOperation(repo, op string, start time.Time) {
	if operationLatency == nil {
		return
	}
	operationLatency.WithLabelValues(repo, op).Observe(time.Since(start).Seconds())
}
