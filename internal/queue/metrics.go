package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "traind_queue_depth",
		Help: "Number of jobs waiting in the queue.",
	})

	activeJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "traind_active_jobs",
		Help: "Number of jobs currently executing.",
	})

	runsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traind_runs_finished_total",
			Help: "Total number of runs reaching a terminal status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(activeJobs)
	prometheus.MustRegister(runsFinished)
}
