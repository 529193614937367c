package constants

import "time"

const (
	// StatusHealthy is reported while the agent is running normally.
	StatusHealthy = "healthy"

	// StatusDegraded is reported when one or more tunnel sessions have
	// failed since the last report.
	StatusDegraded = "degraded"

	// DefaultStatusInterval is the default spacing between agent status
	// reports.
	DefaultStatusInterval = 60 * time.Second

	// MetricsTimeout bounds a single host metrics collection pass.
	MetricsTimeout = 5 * time.Second

	// MetricsWorkers sizes the worker pool shared by the host metric
	// collectors.
	MetricsWorkers = 3
)
