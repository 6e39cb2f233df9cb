package database

import (
	"database/sql"
	"time"
)

// User represents a bot user. Rows are created on first contact and never
// deleted; blocking and activity are soft state.
type User struct {
	ID        int64  `db:"id"`
	Username  string `db:"username"`
	FirstName string `db:"first_name"`
	LastName  string `db:"last_name"`

	Blocked      bool         `db:"user_block"`
	LastActivity sql.NullTime `db:"last_activity"`
	RegisteredAt time.Time    `db:"timestamp_registration"`
}

// Notification is a persisted deferred notification. TimeToSend is epoch
// seconds. A closed record keeps its row with is_active = false.
type Notification struct {
	ID         int64  `db:"id"`
	UserID     int64  `db:"user_id"`
	Label      string `db:"label"`
	TimeToSend int64  `db:"time_to_send"`
	IsActive   bool   `db:"is_active"`

	FunnelName  sql.NullString `db:"funnel_name"`
	CreatedAt   time.Time      `db:"created_at"`
	PausedAt    sql.NullTime   `db:"paused_at"`
	PauseReason sql.NullString `db:"pause_reason"`
}

// NullString wraps a string for nullable columns; empty means NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullTimeFrom wraps a time for nullable columns; the zero time means NULL.
func NullTimeFrom(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Event is a per-user marker, unique on (user_id, event_type) unless a
// rewrite is requested at save time.
type Event struct {
	UserID    int64     `db:"user_id"`
	EventType string    `db:"event_type"`
	EventDate time.Time `db:"event_date"`
}

// HistoryEntry is one row of the per-user activity log shown in the panel.
type HistoryEntry struct {
	ID        int64     `db:"id"`
	UserID    int64     `db:"user_id"`
	Text      string    `db:"text"`
	Timestamp time.Time `db:"timestamp"`
}

// FunnelProgress is a unique per-user funnel stage marker (user_funnel).
type FunnelProgress struct {
	UserID int64  `db:"user_id"`
	Label  string `db:"label"`
	Name   string `db:"name"`
}

// ActivitySnapshot aggregates the signals the notifier's activity gate needs
// for one user. A user with no row at all yields a nil snapshot.
type ActivitySnapshot struct {
	LastActivity    sql.NullTime `db:"last_activity"`
	FirstActiveNote sql.NullTime `db:"first_notification"`
	DeliveredRecent int          `db:"notifications_sent"`
}
