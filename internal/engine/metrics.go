package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fitform_jobs_started_total",
			Help: "Total number of pipeline executions started.",
		},
	)

	jobsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitform_jobs_terminal_total",
			Help: "Total number of jobs reaching a terminal state.",
		},
		[]string{"state"},
	)

	pollAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fitform_provider_poll_attempts_total",
			Help: "Total number of provider status polls.",
		},
	)

	submitRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fitform_provider_submit_retries_total",
			Help: "Total number of retried provider submissions.",
		},
	)

	artifactUploadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fitform_artifact_upload_failures_total",
			Help: "Total number of failed artifact uploads.",
		},
	)

	jobsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fitform_jobs_reaped_total",
			Help: "Total number of stale jobs timed out by the reaper.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsStarted)
	prometheus.MustRegister(jobsTerminal)
	prometheus.MustRegister(pollAttempts)
	prometheus.MustRegister(submitRetries)
	prometheus.MustRegister(artifactUploadFailures)
	prometheus.MustRegister(jobsReaped)
}
