package apply

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsAppliedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tailbase_repl_apply_ops_total",
		Help: "Total number of oplog entries applied",
	})
	applySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tailbase_repl_apply_duration_seconds",
		Help:    "Wall time spent applying a single oplog entry or grouped insert batch",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)

func init() {
	prometheus.MustRegister(opsAppliedTotal, applySeconds)
}

// opsAppliedCount shadows the prometheus counter so callers (and tests) can
// read the running total directly.
var opsAppliedCount atomic.Int64

func incrementOpsApplied(n int) {
	opsAppliedCount.Add(int64(n))
	opsAppliedTotal.Add(float64(n))
}

// OpsApplied returns the process-wide count of applied oplog entries.
func OpsApplied() int64 {
	return opsAppliedCount.Load()
}
