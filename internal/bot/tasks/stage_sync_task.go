package tasks

import (
	"context"
	"fmt"
)

// newStageSyncTask creates the task that mirrors the registry's stage
// aliases into the funnel lookup table the web panel reads.
func newStageSyncTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "stage_sync")

	return func(ctx context.Context) error {
		stages := deps.Registry.Stages()
		if len(stages) == 0 {
			log.InfoContext(ctx, "no stage aliases defined, skipping sync")
			return nil
		}

		if err := deps.Store.ReplaceFunnelStages(ctx, stages); err != nil {
			log.ErrorContext(ctx, "stage sync failed", "error", err)
			return fmt.Errorf("stage sync failed: %w", err)
		}

		log.InfoContext(ctx, "funnel stages synced", "count", len(stages))
		return nil
	}
}
