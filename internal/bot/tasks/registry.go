package tasks

import "context"

// ScheduledTaskFunc is the signature of every scheduled task. The context
// comes from the scheduler and is canceled on shutdown.
type ScheduledTaskFunc func(ctx context.Context) error

// RegisterAllTasks returns the task registry. Keys match the task names in
// the configuration's tasks section.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	tasks := map[string]ScheduledTaskFunc{
		"sql_maintenance": newSQLMaintenanceTask(deps),
		"stage_sync":      newStageSyncTask(deps),
		"resume_sweep":    newResumeSweepTask(deps),
	}

	deps.Logger.Info("initialized scheduled tasks", "count", len(tasks))
	return tasks
}
