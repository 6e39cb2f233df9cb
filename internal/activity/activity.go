// Package activity tracks per-user liveness and answers the notifier's
// gating question: is this user still worth nudging?
package activity

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/firestorm-team/funnelbot/internal/config"
	"github.com/firestorm-team/funnelbot/internal/database"
)

// Tracker records last-seen timestamps and evaluates the inactivity rules
// that pause a user's notification series.
type Tracker struct {
	logger *slog.Logger
	store  database.Store
	cfg    *config.NotifierConfig
}

// NewTracker creates a tracker with the configured thresholds.
func NewTracker(logger *slog.Logger, store database.Store, cfg *config.NotifierConfig) *Tracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{
		logger: logger.With("component", "activity"),
		store:  store,
		cfg:    cfg,
	}
}

// Touch records the user as seen now. Called on every inbound interaction.
func (t *Tracker) Touch(ctx context.Context, userID int64) {
	if err := t.store.TouchActivity(ctx, userID); err != nil {
		t.logger.ErrorContext(ctx, "failed to touch activity", "user_id", userID, "error", err)
	}
}

// IsDeliverable reports whether the user passes the activity gate. A user
// fails when any of three independent signals trips:
//
//  1. silent longer than the inactivity threshold;
//  2. the oldest still-active notification has been pending past the
//     campaign window with no activity since it was created;
//  3. more than the ignored-count notifications delivered in the trailing
//     window while the user stayed silent for the trailing quiet period.
//
// Users with no row at all are deliverable: a brand-new user has no history
// to judge by.
func (t *Tracker) IsDeliverable(ctx context.Context, userID int64) (bool, error) {
	snapshot, err := t.store.ActivitySnapshot(ctx, userID, t.cfg.IgnoredWindowDays)
	if err != nil {
		return false, err
	}
	if snapshot == nil {
		return true, nil
	}

	now := time.Now()

	if snapshot.LastActivity.Valid {
		daysInactive := int(now.Sub(snapshot.LastActivity.Time).Hours() / 24)
		if daysInactive > t.cfg.InactivityDays {
			t.logger.InfoContext(ctx, "user inactive past threshold",
				"user_id", userID, "days_inactive", daysInactive)
			return false, nil
		}
	}

	if snapshot.FirstActiveNote.Valid {
		campaignDays := int(now.Sub(snapshot.FirstActiveNote.Time).Hours() / 24)
		if campaignDays > t.cfg.MaxCampaignDays {
			noReaction := !snapshot.LastActivity.Valid ||
				snapshot.LastActivity.Time.Before(snapshot.FirstActiveNote.Time)
			if noReaction {
				t.logger.InfoContext(ctx, "campaign window exceeded without reaction",
					"user_id", userID, "campaign_days", campaignDays)
				return false, nil
			}
		}
	}

	if snapshot.DeliveredRecent > t.cfg.IgnoredCount && snapshot.LastActivity.Valid {
		daysInactive := int(now.Sub(snapshot.LastActivity.Time).Hours() / 24)
		if daysInactive > t.cfg.IgnoredSilenceDays {
			t.logger.InfoContext(ctx, "user ignoring notifications",
				"user_id", userID, "delivered_recent", snapshot.DeliveredRecent)
			return false, nil
		}
	}

	return true, nil
}
