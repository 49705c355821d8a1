package eventbus

// Event types published by siemalert components.
const (
	TypeCycleStarted  = "cycle.started"
	TypeCycleFinished = "cycle.finished"
	TypeConfigFailed  = "cycle.config_failed"

	TypeNotifierSent   = "notifier.sent"
	TypeNotifierFailed = "notifier.failed"

	TypeTaskStarted  = "task.started"
	TypeTaskFinished = "task.finished"
	TypeTaskFailed   = "task.failed"
	TypeTaskSkipped  = "task.skipped"
	TypeTaskDropped  = "task.dropped"

	TypeConfigReloaded = "config.reloaded"
	TypeDriverDegraded = "driver.degraded"
)
