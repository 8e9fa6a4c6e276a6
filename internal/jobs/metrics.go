package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsQueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_queued_total",
		Help: "Total number of jobs queued",
	})
	JobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobs_running",
		Help: "Number of conversions currently running",
	})
	JobsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs completed successfully",
	})
	JobsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs failed",
	})
	JobsCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of jobs cancelled",
	})
	JobsSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_skipped_total",
		Help: "Total number of jobs skipped because the output already existed",
	})
	JobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobs_active",
		Help: "Number of jobs known to the system (not cleared)",
	})
)

func init() {
	prometheus.MustRegister(JobsQueuedTotal, JobsRunning, JobsCompletedTotal, JobsFailedTotal, JobsCancelledTotal, JobsSkippedTotal, JobsActive)
}
