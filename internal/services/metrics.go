package services

import "github.com/prometheus/client_golang/prometheus"

var (
	turnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "treebot_turns_total",
		Help: "Chat turns by provider and outcome (ok, error, cancelled).",
	}, []string{"provider", "outcome"})

	titleJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "treebot_title_jobs_total",
		Help: "Title generation attempts by mode and outcome.",
	}, []string{"mode", "outcome"})
)

func init() {
	prometheus.MustRegister(turnsTotal, titleJobsTotal)
}
