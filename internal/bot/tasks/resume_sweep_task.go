package tasks

import (
	"context"
	"time"
)

// newResumeSweepTask creates the task that reactivates paused notifications
// for users who showed activity after the pause. The inbound handlers resume
// eagerly; the sweep catches users whose activity arrived through paths that
// do not call resume (channel joins, external systems writing history).
func newResumeSweepTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "resume_sweep")

	return func(ctx context.Context) error {
		pausedAfter := time.Now().AddDate(0, 0, -deps.Config.Notifier.ResumeWindowDays)
		userIDs, err := deps.Store.UsersWithResumableNotifications(ctx, pausedAfter)
		if err != nil {
			log.ErrorContext(ctx, "failed to find resumable users", "error", err)
			return err
		}
		if len(userIDs) == 0 {
			return nil
		}

		resumedUsers := 0
		for _, userID := range userIDs {
			if err := deps.Notifier.ResumeUserNotifications(ctx, userID); err != nil {
				log.ErrorContext(ctx, "failed to resume user", "user_id", userID, "error", err)
				continue
			}
			resumedUsers++
		}

		log.InfoContext(ctx, "resume sweep completed", "candidates", len(userIDs), "resumed", resumedUsers)
		return nil
	}
}
