// Package notifier implements the deferred-notification scheduler: enqueue
// with warmup injection, the polling dispatch loop, activity gating with
// pause/resume, and blocked-recipient bookkeeping.
package notifier

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/firestorm-team/funnelbot/internal/activity"
	"github.com/firestorm-team/funnelbot/internal/alert"
	"github.com/firestorm-team/funnelbot/internal/config"
	"github.com/firestorm-team/funnelbot/internal/database"
	"github.com/firestorm-team/funnelbot/internal/funnel"
	"github.com/firestorm-team/funnelbot/internal/telegram"
)

// courseMarkers identify funnel-progress labels that place a user inside the
// course funnel, which disqualifies the warmup drip.
var courseMarkers = []string{"course", "spin", "mtt", "cash"}

// registrationEvent is the conversion marker that stops warmup messages.
const registrationEvent = "course_registration"

// ActionRunner executes a descriptor's actions. Satisfied by the router.
type ActionRunner interface {
	RunActions(ctx context.Context, userID int64, actions []funnel.Action) bool
}

type funnelKey struct {
	userID int64
	label  string
}

// Notifier owns the deferred-notification lifecycle. One instance per
// process; the dispatch loop runs in Run.
type Notifier struct {
	logger    *slog.Logger
	cfg       *config.NotifierConfig
	store     database.Store
	registry  *funnel.Registry
	messenger telegram.Messenger
	actions   ActionRunner
	activity  *activity.Tracker
	alerter   alert.Alerter
	schedule  *schedule

	// funnels remembers which funnel produced each enqueued label. Process
	// local; a lost entry degrades to the record's durable hint, then the
	// default funnel.
	mu      sync.Mutex
	funnels map[funnelKey]string
}

// New creates a Notifier. The timezone in cfg must resolve.
func New(logger *slog.Logger, cfg *config.NotifierConfig, store database.Store, registry *funnel.Registry,
	messenger telegram.Messenger, actions ActionRunner, tracker *activity.Tracker, alerter alert.Alerter) (*Notifier, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sched, err := newSchedule(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	return &Notifier{
		logger:    logger.With("component", "notifier"),
		cfg:       cfg,
		store:     store,
		registry:  registry,
		messenger: messenger,
		actions:   actions,
		activity:  tracker,
		alerter:   alerter,
		schedule:  sched,
		funnels:   make(map[funnelKey]string),
	}, nil
}

// Run is the dispatch loop. It polls for due notifications, delivers or
// pauses them, and sleeps the configured interval between passes. A failing
// pass is logged and the loop continues; Run returns only when the context
// is canceled.
func (n *Notifier) Run(ctx context.Context) error {
	n.logger.InfoContext(ctx, "notification scheduler started", "poll_interval", n.cfg.PollInterval)
	for {
		if err := n.pass(ctx); err != nil {
			n.logger.ErrorContext(ctx, "dispatch pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			n.logger.InfoContext(ctx, "notification scheduler stopped")
			return ctx.Err()
		case <-time.After(n.cfg.PollInterval):
		}
	}
}

// pass runs one poll: close records of passed users, load the due list,
// then deliver or pause each record. A single user's failure never blocks
// the rest of the pass.
func (n *Notifier) pass(ctx context.Context) error {
	if err := n.store.CloseNotificationsForPassedUsers(ctx, n.registry.DefaultName()); err != nil {
		return err
	}

	due, err := n.store.DueNotifications(ctx, time.Now().Unix(), n.registry.DefaultName())
	if err != nil {
		return err
	}

	for i := range due {
		record := &due[i]
		deliverable, err := n.activity.IsDeliverable(ctx, record.UserID)
		if err != nil {
			n.logger.ErrorContext(ctx, "failed to evaluate activity gate",
				"user_id", record.UserID, "error", err)
			continue
		}
		if deliverable {
			n.deliver(ctx, record)
		} else {
			n.pauseUser(ctx, record.UserID)
		}
	}
	return nil
}

// AddNotifications enqueues the follow-up specs for the user, tagged with
// the funnel that produced them, and injects the warmup drip when the user
// is eligible. Duplicate labels are ignored unless the spec is reusable, in
// which case the schedule is rewritten and the record reactivated.
func (n *Notifier) AddNotifications(ctx context.Context, userID int64, specs []funnel.NotificationSpec, funnelName string) error {
	funnelName = n.normalizeFunnel(funnelName)

	if eligible, err := n.warmupEligible(ctx, userID); err != nil {
		n.logger.ErrorContext(ctx, "failed to evaluate warmup eligibility", "user_id", userID, "error", err)
	} else if eligible {
		n.addWarmup(ctx, userID, funnelName)
	}

	now := time.Now()
	for _, spec := range specs {
		sendTime, err := n.schedule.SendTime(spec.Wait, now)
		if err != nil {
			n.logger.ErrorContext(ctx, "failed to compute send time",
				"user_id", userID, "label", spec.Label, "error", err)
			continue
		}

		specFunnel := funnelName
		if spec.Funnel != "" {
			specFunnel = n.normalizeFunnel(spec.Funnel)
		}
		record := &database.Notification{
			UserID:     userID,
			Label:      spec.Label,
			TimeToSend: sendTime,
			FunnelName: database.NullString(specFunnel),
		}
		if err := n.store.InsertNotification(ctx, record, spec.Reusable); err != nil {
			return err
		}
		n.rememberFunnel(userID, spec.Label, specFunnel)
	}
	return nil
}

// warmupEligible holds when the user is neither converted (registration
// event) nor already progressing through a course funnel. Having active
// warmup records is checked separately in addWarmup so the reason gets its
// own log line.
func (n *Notifier) warmupEligible(ctx context.Context, userID int64) (bool, error) {
	registered, err := n.store.HasEvent(ctx, userID, registrationEvent)
	if err != nil {
		return false, err
	}
	if registered {
		n.logger.DebugContext(ctx, "user registered, skipping warmup", "user_id", userID)
		return false, nil
	}

	inCourse, err := n.store.HasFunnelProgressLike(ctx, userID, courseMarkers)
	if err != nil {
		return false, err
	}
	if inCourse {
		n.logger.DebugContext(ctx, "user already in course funnel, skipping warmup", "user_id", userID)
		return false, nil
	}
	return true, nil
}

// addWarmup injects the drip series once per active series: a user holding
// any active warmup record gets nothing new, and every insert ignores
// duplicates, so repeated enqueues stay idempotent.
func (n *Notifier) addWarmup(ctx context.Context, userID int64, funnelName string) {
	active, err := n.store.CountActiveWarmup(ctx, userID, WarmupPrefix)
	if err != nil {
		n.logger.ErrorContext(ctx, "failed to count warmup notifications", "user_id", userID, "error", err)
		return
	}
	if active > 0 {
		n.logger.DebugContext(ctx, "warmup series already active", "user_id", userID)
		return
	}

	n.logger.InfoContext(ctx, "injecting warmup series", "user_id", userID)
	now := time.Now()
	for _, step := range warmupPlan {
		sendTime, err := n.schedule.WarmupTime(step, now)
		if err != nil {
			n.logger.ErrorContext(ctx, "failed to compute warmup time",
				"user_id", userID, "label", step.Label, "error", err)
			continue
		}
		record := &database.Notification{
			UserID:     userID,
			Label:      step.Label,
			TimeToSend: sendTime,
			FunnelName: database.NullString(funnelName),
		}
		if err := n.store.InsertNotification(ctx, record, false); err != nil {
			n.logger.ErrorContext(ctx, "failed to insert warmup notification",
				"user_id", userID, "label", step.Label, "error", err)
			continue
		}
		n.rememberFunnel(userID, step.Label, funnelName)
	}
}

// deliver sends one due record: resolve funnel and descriptor, expire stale
// records, run actions with is_ok re-route, deliver content, chain nested
// follow-ups and close. Transport errors mentioning a blocked recipient flip
// the user's block flag instead of counting as failures.
func (n *Notifier) deliver(ctx context.Context, record *database.Notification) {
	funnelName := n.resolveFunnel(record)
	def := n.registry.Get(funnelName)
	if def == nil {
		n.logger.ErrorContext(ctx, "no funnel definition for notification",
			"funnel", funnelName, "label", record.Label)
		return
	}

	desc := def.Callback[record.Label]
	if desc == nil {
		n.logger.ErrorContext(ctx, "no message for notification label, closing",
			"label", record.Label, "funnel", funnelName, "user_id", record.UserID)
		n.close(ctx, record)
		return
	}

	if time.Now().Unix()-record.TimeToSend > int64(n.cfg.Staleness.Seconds()) {
		n.close(ctx, record)
		n.logger.InfoContext(ctx, "notification expired and closed",
			"id", record.ID, "label", record.Label, "user_id", record.UserID)
		return
	}

	if actions := desc.ActionList(); len(actions) > 0 && n.actions.RunActions(ctx, record.UserID, actions) {
		if next := funnel.NextRoute(actions); next != "" {
			desc = def.Callback[next]
			if desc == nil {
				n.logger.ErrorContext(ctx, "re-route target missing, closing",
					"route", next, "user_id", record.UserID)
				n.close(ctx, record)
				return
			}
		}
	}

	if desc.Event != "" {
		if err := n.store.SaveEvent(ctx, record.UserID, desc.Event, false); err != nil {
			n.logger.ErrorContext(ctx, "failed to save event",
				"user_id", record.UserID, "event", desc.Event, "error", err)
		}
	}

	if !desc.HasContent() {
		if len(desc.Notifications) > 0 {
			// Routing-only descriptor: chain follow-ups, leave the record to
			// the staleness rule.
			if err := n.AddNotifications(ctx, record.UserID, desc.Notifications, funnelName); err != nil {
				n.logger.ErrorContext(ctx, "failed to chain notifications",
					"user_id", record.UserID, "error", err)
			}
			return
		}
		n.close(ctx, record)
		return
	}

	if _, err := n.messenger.Deliver(ctx, record.UserID, desc, nil); err != nil {
		if telegram.IsBlockedErr(err) {
			if _, blockErr := n.SetBlocked(ctx, record.UserID, true); blockErr != nil {
				n.logger.ErrorContext(ctx, "failed to record blocked user",
					"user_id", record.UserID, "error", blockErr)
			}
			return
		}
		n.logger.ErrorContext(ctx, "failed to deliver notification",
			"id", record.ID, "user_id", record.UserID, "error", err)
		return
	}

	if len(desc.Notifications) > 0 {
		if err := n.AddNotifications(ctx, record.UserID, desc.Notifications, funnelName); err != nil {
			n.logger.ErrorContext(ctx, "failed to chain notifications",
				"user_id", record.UserID, "error", err)
		}
	}

	n.close(ctx, record)
	n.logger.InfoContext(ctx, "notification delivered",
		"id", record.ID, "label", record.Label, "user_id", record.UserID)

	history := "Received notification: " + record.Label
	if err := n.store.AddHistory(ctx, record.UserID, history); err != nil {
		n.logger.ErrorContext(ctx, "failed to record delivery history",
			"user_id", record.UserID, "error", err)
	}
}

// close deactivates the record by id and by (user, label), and forgets its
// funnel mapping.
func (n *Notifier) close(ctx context.Context, record *database.Notification) {
	if record.ID != 0 {
		if err := n.store.CloseNotificationByID(ctx, record.ID); err != nil {
			n.logger.ErrorContext(ctx, "failed to close notification", "id", record.ID, "error", err)
		}
	}
	if err := n.store.CloseNotification(ctx, record.UserID, record.Label); err != nil {
		n.logger.ErrorContext(ctx, "failed to close notification",
			"user_id", record.UserID, "label", record.Label, "error", err)
	}
	n.forgetFunnel(record.UserID, record.Label)
}

// pauseUser transitions all of the user's active notifications to paused
// with the inactivity reason, and notes it in the history.
func (n *Notifier) pauseUser(ctx context.Context, userID int64) {
	if err := n.store.PauseUserNotifications(ctx, userID, database.PauseReasonInactivity); err != nil {
		n.logger.ErrorContext(ctx, "failed to pause notifications", "user_id", userID, "error", err)
		return
	}
	if err := n.store.AddHistory(ctx, userID, "Notifications paused due to inactivity"); err != nil {
		n.logger.ErrorContext(ctx, "failed to record pause", "user_id", userID, "error", err)
	}
	n.logger.InfoContext(ctx, "notifications paused for inactive user", "user_id", userID)
}

// ResumeUserNotifications reactivates notifications paused for inactivity
// after the user shows up again. Pauses older than the resume window stay
// paused; warmup labels stay paused for users who registered meanwhile.
// Past-due records are rescheduled a grace interval into the future so the
// user is not hit the moment they come back.
func (n *Notifier) ResumeUserNotifications(ctx context.Context, userID int64) error {
	registered, err := n.store.HasEvent(ctx, userID, registrationEvent)
	if err != nil {
		return err
	}

	pausedAfter := time.Now().AddDate(0, 0, -n.cfg.ResumeWindowDays)
	paused, err := n.store.PausedNotifications(ctx, userID, pausedAfter)
	if err != nil {
		return err
	}
	if len(paused) == 0 {
		return nil
	}

	now := time.Now().Unix()
	resumed := 0
	for i := range paused {
		record := &paused[i]
		if registered && strings.HasPrefix(record.Label, WarmupPrefix) {
			n.logger.InfoContext(ctx, "skipping warmup resume for registered user",
				"user_id", userID, "label", record.Label)
			continue
		}

		newTime := int64(0)
		if record.TimeToSend <= now {
			newTime = now + int64(n.cfg.ResumeGrace.Seconds())
		}
		if err := n.store.ResumeNotification(ctx, record.ID, newTime); err != nil {
			n.logger.ErrorContext(ctx, "failed to resume notification",
				"id", record.ID, "user_id", userID, "error", err)
			continue
		}
		resumed++
	}

	if resumed > 0 {
		n.logger.InfoContext(ctx, "notifications resumed", "user_id", userID, "count", resumed)
		if err := n.store.AddHistory(ctx, userID, "Notifications resumed after activity"); err != nil {
			n.logger.ErrorContext(ctx, "failed to record resume", "user_id", userID, "error", err)
		}
	}
	return nil
}

// SetBlocked flips the user's block flag, notes it in the history and pushes
// an operational alert. Returns the username for the caller's own logging.
func (n *Notifier) SetBlocked(ctx context.Context, userID int64, blocked bool) (string, error) {
	username := "unknown"
	if user, err := n.store.GetUser(ctx, userID); err != nil {
		n.logger.ErrorContext(ctx, "failed to load user for block flag", "user_id", userID, "error", err)
	} else if user != nil && user.Username != "" {
		username = user.Username
	}

	verb := "unblocked"
	if blocked {
		verb = "blocked"
	}
	if err := n.store.AddHistory(ctx, userID, fmt.Sprintf("User %s the bot", verb)); err != nil {
		n.logger.ErrorContext(ctx, "failed to record block history", "user_id", userID, "error", err)
	}
	if err := n.store.SetUserBlocked(ctx, userID, blocked); err != nil {
		return username, err
	}

	n.alerter.Notify(ctx, fmt.Sprintf("🚫 @%s\nUser @%s [id%d] %s the bot!",
		n.messenger.BotUsername(), username, userID, verb))
	return username, nil
}

func (n *Notifier) normalizeFunnel(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return n.registry.DefaultName()
	}
	return name
}

func (n *Notifier) rememberFunnel(userID int64, label, funnelName string) {
	if userID == 0 || label == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.funnels[funnelKey{userID, label}] = funnelName
}

func (n *Notifier) forgetFunnel(userID int64, label string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.funnels, funnelKey{userID, label})
}

// resolveFunnel picks the funnel that owns the record's label: the in-memory
// mapping first, then the record's durable hint, then the default.
func (n *Notifier) resolveFunnel(record *database.Notification) string {
	n.mu.Lock()
	cached, ok := n.funnels[funnelKey{record.UserID, record.Label}]
	n.mu.Unlock()
	if ok {
		return cached
	}
	if record.FunnelName.Valid && record.FunnelName.String != "" {
		name := n.normalizeFunnel(record.FunnelName.String)
		n.rememberFunnel(record.UserID, record.Label, name)
		return name
	}
	return n.registry.DefaultName()
}
