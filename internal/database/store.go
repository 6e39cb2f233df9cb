package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// MaxHistoryChars caps the text column of user_history. The web panel only
// needs enough to recognize what the user received.
const MaxHistoryChars = 255

// DeliveredHistoryPrefix marks history rows written after a successful
// notification delivery. The activity gate counts rows by this prefix.
const DeliveredHistoryPrefix = "Received notification"

// PauseReasonInactivity marks notifications paused by the activity gate.
const PauseReasonInactivity = "inactivity"

// Store defines the persistence contract shared by the router, the FSM
// engine and the notification scheduler. All methods accept a context for
// cancellation.
type Store interface {
	Ping(ctx context.Context) error

	// Users.
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, userID int64) (*User, error)
	TouchActivity(ctx context.Context, userID int64) error
	SetUserBlocked(ctx context.Context, userID int64, blocked bool) error

	// History and events.
	AddHistory(ctx context.Context, userID int64, text string) error
	SaveEvent(ctx context.Context, userID int64, eventType string, rewrite bool) error
	HasEvent(ctx context.Context, userID int64, eventType string) (bool, error)

	// Funnel progress and bindings.
	SaveFunnelProgress(ctx context.Context, userID int64, stage, label string) error
	SaveFunnelHistory(ctx context.Context, userID int64, stage string) error
	HasFunnelProgressLike(ctx context.Context, userID int64, patterns []string) (bool, error)
	SaveFunnelPassed(ctx context.Context, userID int64, funnelName string) error
	ReplaceFunnelStages(ctx context.Context, stages map[string]string) error
	GetUserFunnel(ctx context.Context, userID int64) (string, error)
	BindUserFunnel(ctx context.Context, userID int64, funnelName string) error

	// Notifications.
	InsertNotification(ctx context.Context, n *Notification, reusable bool) error
	CloseNotificationByID(ctx context.Context, id int64) error
	CloseNotification(ctx context.Context, userID int64, label string) error
	CloseNotifications(ctx context.Context, userID int64, labels []string) error
	CloseAllNotifications(ctx context.Context, userID int64) error
	CloseNotificationsForPassedUsers(ctx context.Context, funnelName string) error
	DueNotifications(ctx context.Context, now int64, passedFunnel string) ([]Notification, error)
	CountActiveWarmup(ctx context.Context, userID int64, prefix string) (int, error)
	PauseUserNotifications(ctx context.Context, userID int64, reason string) error
	PausedNotifications(ctx context.Context, userID int64, pausedAfter time.Time) ([]Notification, error)
	UsersWithResumableNotifications(ctx context.Context, pausedAfter time.Time) ([]int64, error)
	ResumeNotification(ctx context.Context, id int64, newTimeToSend int64) error
	ActivitySnapshot(ctx context.Context, userID int64, deliveredWindowDays int) (*ActivitySnapshot, error)

	// FSM sessions.
	GetSession(ctx context.Context, userID int64) ([]byte, error)
	SaveSession(ctx context.Context, userID int64, data []byte) error
	ClearSession(ctx context.Context, userID int64) error

	RunSQLMaintenance(ctx context.Context) error
}

type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) UpsertUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == 0 {
		return fmt.Errorf("cannot save user without id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, first_name, last_name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name`,
		user.ID, user.Username, user.FirstName, user.LastName)
	if err != nil {
		return fmt.Errorf("failed to upsert user %d: %w", user.ID, err)
	}
	return nil
}

func (s *sqlxStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, `
		SELECT id, username, first_name, last_name, user_block, last_activity, timestamp_registration
		FROM users WHERE id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", userID, err)
	}
	return &user, nil
}

func (s *sqlxStore) TouchActivity(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_activity = CURRENT_TIMESTAMP WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to touch activity for user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) SetUserBlocked(ctx context.Context, userID int64, blocked bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET user_block = ? WHERE id = ?`, blocked, userID)
	if err != nil {
		return fmt.Errorf("failed to set block flag for user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) AddHistory(ctx context.Context, userID int64, text string) error {
	if runes := []rune(text); len(runes) > MaxHistoryChars {
		text = string(runes[:MaxHistoryChars])
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_history (user_id, text) VALUES (?, ?)`, userID, text)
	if err != nil {
		return fmt.Errorf("failed to add history for user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) SaveEvent(ctx context.Context, userID int64, eventType string, rewrite bool) error {
	query := `
		INSERT INTO events (user_id, event_type, event_date)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id, event_type) DO NOTHING`
	if rewrite {
		query = `
			INSERT INTO events (user_id, event_type, event_date)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (user_id, event_type) DO UPDATE SET event_date = excluded.event_date`
	}
	if _, err := s.db.ExecContext(ctx, query, userID, eventType); err != nil {
		return fmt.Errorf("failed to save event %q for user %d: %w", eventType, userID, err)
	}
	return nil
}

func (s *sqlxStore) HasEvent(ctx context.Context, userID int64, eventType string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM events WHERE user_id = ? AND event_type = ?`, userID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to check event %q for user %d: %w", eventType, userID, err)
	}
	return count > 0, nil
}

func (s *sqlxStore) SaveFunnelProgress(ctx context.Context, userID int64, stage, label string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_funnel (user_id, label, name)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, label) DO NOTHING`, userID, stage, label)
	if err != nil {
		return fmt.Errorf("failed to save funnel progress for user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) SaveFunnelHistory(ctx context.Context, userID int64, stage string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO funnel_history (user_id, label) VALUES (?, ?)`, userID, stage)
	if err != nil {
		return fmt.Errorf("failed to save funnel history for user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) HasFunnelProgressLike(ctx context.Context, userID int64, patterns []string) (bool, error) {
	if len(patterns) == 0 {
		return false, nil
	}
	clauses := make([]string, 0, len(patterns))
	args := make([]interface{}, 0, len(patterns)+1)
	args = append(args, userID)
	for _, p := range patterns {
		clauses = append(clauses, "label LIKE ?")
		args = append(args, "%"+p+"%")
	}
	query := `SELECT COUNT(*) FROM user_funnel WHERE user_id = ? AND (` + strings.Join(clauses, " OR ") + `)`

	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return false, fmt.Errorf("failed to match funnel progress for user %d: %w", userID, err)
	}
	return count > 0, nil
}

func (s *sqlxStore) SaveFunnelPassed(ctx context.Context, userID int64, funnelName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO funnel_passed (user_id, funnel_name, passed) VALUES (?, ?, 1)`,
		userID, funnelName)
	if err != nil {
		return fmt.Errorf("failed to mark funnel passed for user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) ReplaceFunnelStages(ctx context.Context, stages map[string]string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin stage sync transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.Error("failed to rollback stage sync", "error", rollbackErr)
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM funnel`); err != nil {
		return fmt.Errorf("failed to clear funnel stages: %w", err)
	}
	for key, stage := range stages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO funnel (label, key) VALUES (?, ?)`, stage, key); err != nil {
			return fmt.Errorf("failed to insert funnel stage %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stage sync: %w", err)
	}
	tx = nil
	return nil
}

func (s *sqlxStore) GetUserFunnel(ctx context.Context, userID int64) (string, error) {
	var name string
	err := s.db.GetContext(ctx, &name,
		`SELECT funnel_name FROM user_funnel_binding WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get funnel binding for user %d: %w", userID, err)
	}
	return name, nil
}

func (s *sqlxStore) BindUserFunnel(ctx context.Context, userID int64, funnelName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_funnel_binding (user_id, funnel_name)
		VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET funnel_name = excluded.funnel_name`,
		userID, funnelName)
	if err != nil {
		return fmt.Errorf("failed to bind funnel %q for user %d: %w", funnelName, userID, err)
	}
	return nil
}

func (s *sqlxStore) InsertNotification(ctx context.Context, n *Notification, reusable bool) error {
	if n == nil || n.UserID == 0 || n.Label == "" {
		return fmt.Errorf("notification must have user_id and label")
	}
	query := `
		INSERT INTO notifications (user_id, label, time_to_send, is_active, funnel_name)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (user_id, label) DO NOTHING`
	if reusable {
		query = `
			INSERT INTO notifications (user_id, label, time_to_send, is_active, funnel_name)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (user_id, label) DO UPDATE SET
				time_to_send = excluded.time_to_send,
				is_active = 1,
				paused_at = NULL,
				pause_reason = NULL`
	}
	_, err := s.db.ExecContext(ctx, query, n.UserID, n.Label, n.TimeToSend, n.FunnelName)
	if err != nil {
		return fmt.Errorf("failed to insert notification %q for user %d: %w", n.Label, n.UserID, err)
	}
	return nil
}

func (s *sqlxStore) CloseNotificationByID(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to close notification %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) CloseNotification(ctx context.Context, userID int64, label string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_active = 0 WHERE user_id = ? AND label = ? AND is_active = 1`,
		userID, label)
	if err != nil {
		return fmt.Errorf("failed to close notification %q for user %d: %w", label, userID, err)
	}
	return nil
}

func (s *sqlxStore) CloseNotifications(ctx context.Context, userID int64, labels []string) error {
	for _, label := range labels {
		if err := s.CloseNotification(ctx, userID, label); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlxStore) CloseAllNotifications(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_active = 0 WHERE user_id = ? AND is_active = 1`, userID)
	if err != nil {
		return fmt.Errorf("failed to close notifications for user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) CloseNotificationsForPassedUsers(ctx context.Context, funnelName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_active = 0
		WHERE user_id IN (
			SELECT user_id FROM funnel_passed WHERE funnel_name = ? AND passed = 1
		)`, funnelName)
	if err != nil {
		return fmt.Errorf("failed to close notifications for passed users: %w", err)
	}
	return nil
}

func (s *sqlxStore) DueNotifications(ctx context.Context, now int64, passedFunnel string) ([]Notification, error) {
	var notifications []Notification
	err := s.db.SelectContext(ctx, &notifications, `
		SELECT n.id, n.user_id, n.label, n.time_to_send, n.is_active,
		       n.funnel_name, n.created_at, n.paused_at, n.pause_reason
		FROM notifications n
		LEFT JOIN users u ON u.id = n.user_id
		WHERE n.is_active = 1
		  AND COALESCE(u.user_block, 0) = 0
		  AND n.time_to_send < ?
		  AND COALESCE(n.pause_reason, '') != ?
		  AND n.user_id NOT IN (
			SELECT user_id FROM funnel_passed WHERE funnel_name = ? AND passed = 1
		  )
		ORDER BY n.time_to_send`, now, PauseReasonInactivity, passedFunnel)
	if err != nil {
		return nil, fmt.Errorf("failed to load due notifications: %w", err)
	}
	return notifications, nil
}

func (s *sqlxStore) CountActiveWarmup(ctx context.Context, userID int64, prefix string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = ? AND label LIKE ? AND is_active = 1`,
		userID, prefix+"%")
	if err != nil {
		return 0, fmt.Errorf("failed to count warmup notifications for user %d: %w", userID, err)
	}
	return count, nil
}

func (s *sqlxStore) PauseUserNotifications(ctx context.Context, userID int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_active = 0, paused_at = CURRENT_TIMESTAMP, pause_reason = ?
		WHERE user_id = ? AND is_active = 1`, reason, userID)
	if err != nil {
		return fmt.Errorf("failed to pause notifications for user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) PausedNotifications(ctx context.Context, userID int64, pausedAfter time.Time) ([]Notification, error) {
	var notifications []Notification
	err := s.db.SelectContext(ctx, &notifications, `
		SELECT id, user_id, label, time_to_send, is_active,
		       funnel_name, created_at, paused_at, pause_reason
		FROM notifications
		WHERE user_id = ?
		  AND is_active = 0
		  AND pause_reason = ?
		  AND paused_at > ?`,
		userID, PauseReasonInactivity, pausedAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to load paused notifications for user %d: %w", userID, err)
	}
	return notifications, nil
}

// UsersWithResumableNotifications lists users holding notifications paused
// for inactivity within the window who have been active again since the
// pause. The resume sweep feeds each of them to ResumeUserNotifications.
func (s *sqlxStore) UsersWithResumableNotifications(ctx context.Context, pausedAfter time.Time) ([]int64, error) {
	var userIDs []int64
	err := s.db.SelectContext(ctx, &userIDs, `
		SELECT DISTINCT n.user_id
		FROM notifications n
		JOIN users u ON u.id = n.user_id
		WHERE n.is_active = 0
		  AND n.pause_reason = ?
		  AND n.paused_at > ?
		  AND u.last_activity > n.paused_at`,
		PauseReasonInactivity, pausedAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to find resumable users: %w", err)
	}
	return userIDs, nil
}

// ResumeNotification reactivates a paused record. When newTimeToSend is
// non-zero the schedule is rewritten, otherwise the original time stands.
func (s *sqlxStore) ResumeNotification(ctx context.Context, id int64, newTimeToSend int64) error {
	var err error
	if newTimeToSend > 0 {
		_, err = s.db.ExecContext(ctx, `
			UPDATE notifications
			SET is_active = 1, time_to_send = ?, paused_at = NULL, pause_reason = NULL
			WHERE id = ?`, newTimeToSend, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE notifications
			SET is_active = 1, paused_at = NULL, pause_reason = NULL
			WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("failed to resume notification %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) ActivitySnapshot(ctx context.Context, userID int64, deliveredWindowDays int) (*ActivitySnapshot, error) {
	// Expression columns carry no declared type, so the driver hands
	// timestamps back as raw strings; read them as epoch seconds instead.
	var row struct {
		LastActivity    sql.NullInt64 `db:"last_activity"`
		FirstActiveNote sql.NullInt64 `db:"first_notification"`
		DeliveredRecent int           `db:"notifications_sent"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT
			CAST(strftime('%s', COALESCE(
				u.last_activity,
				(SELECT MAX(timestamp) FROM user_history WHERE user_id = u.id)
			)) AS INTEGER) AS last_activity,
			CAST(strftime('%s', (SELECT MIN(created_at) FROM notifications
			 WHERE user_id = u.id AND is_active = 1)) AS INTEGER) AS first_notification,
			(SELECT COUNT(*) FROM user_history
			 WHERE user_id = u.id
			   AND text LIKE ?
			   AND timestamp > datetime('now', ?)) AS notifications_sent
		FROM users u
		WHERE u.id = ?`,
		DeliveredHistoryPrefix+"%",
		fmt.Sprintf("-%d days", deliveredWindowDays),
		userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load activity snapshot for user %d: %w", userID, err)
	}

	snapshot := ActivitySnapshot{DeliveredRecent: row.DeliveredRecent}
	if row.LastActivity.Valid {
		snapshot.LastActivity = sql.NullTime{Time: time.Unix(row.LastActivity.Int64, 0).UTC(), Valid: true}
	}
	if row.FirstActiveNote.Valid {
		snapshot.FirstActiveNote = sql.NullTime{Time: time.Unix(row.FirstActiveNote.Int64, 0).UTC(), Valid: true}
	}
	return &snapshot, nil
}

func (s *sqlxStore) GetSession(ctx context.Context, userID int64) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data,
		`SELECT data FROM fsm_sessions WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session for user %d: %w", userID, err)
	}
	return data, nil
}

func (s *sqlxStore) SaveSession(ctx context.Context, userID int64, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fsm_sessions (user_id, data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP`,
		userID, data)
	if err != nil {
		return fmt.Errorf("failed to save session for user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) ClearSession(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fsm_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear session for user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `ANALYZE`); err != nil {
		return fmt.Errorf("failed to analyze database: %w", err)
	}
	s.logger.InfoContext(ctx, "sql maintenance completed")
	return nil
}
