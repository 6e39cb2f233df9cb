// Package config manages application configuration from environment variables,
// config files, and default values.
package config

import (
	"errors"
	"time"
)

// ErrConfiguration indicates an invalid or unloadable configuration.
var ErrConfiguration = errors.New("configuration error")

// Config defines the application configuration. Values can be set via
// environment variables prefixed with BOT_ (e.g., BOT_TELEGRAM_TOKEN) or
// through config.yaml.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	Funnels  FunnelsConfig  `mapstructure:"funnels"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Alert    AlertConfig    `mapstructure:"alert"`
	CRM      CRMConfig      `mapstructure:"crm"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// TelegramConfig holds the chat transport settings.
type TelegramConfig struct {
	Token string `mapstructure:"token" validate:"required"`
	// StaticDir is the root for files referenced by funnel descriptors.
	StaticDir string `mapstructure:"static_dir"`
}

// DatabaseConfig holds SQLite connection settings.
type DatabaseConfig struct {
	Path            string        `mapstructure:"path" validate:"required"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"min=1m"`
}

// FunnelsConfig controls funnel definition loading and routing defaults.
type FunnelsConfig struct {
	Dir            string `mapstructure:"dir"             validate:"required"`
	DefaultFunnel  string `mapstructure:"default_funnel"  validate:"required"`
	DefaultPersona string `mapstructure:"default_persona" validate:"required"`
}

// NotifierConfig holds the scheduler thresholds. The defaults mirror the
// production campaign windows and should rarely need changing.
type NotifierConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"min=100ms,max=30s"`
	// Staleness closes a due notification that sat undelivered for too long.
	Staleness time.Duration `mapstructure:"staleness" validate:"min=1h"`
	// InactivityDays pauses all notifications for a user silent this long.
	InactivityDays int `mapstructure:"inactivity_days" validate:"min=1"`
	// MaxCampaignDays pauses a series that produced no reaction for this long.
	MaxCampaignDays int `mapstructure:"max_campaign_days" validate:"min=1"`
	// IgnoredCount/IgnoredWindowDays/IgnoredSilenceDays pause users who
	// received more than IgnoredCount notifications within the window while
	// staying silent for the trailing silence period.
	IgnoredCount       int `mapstructure:"ignored_count"        validate:"min=1"`
	IgnoredWindowDays  int `mapstructure:"ignored_window_days"  validate:"min=1"`
	IgnoredSilenceDays int `mapstructure:"ignored_silence_days" validate:"min=1"`
	// ResumeGrace delays reactivated past-due notifications by this much.
	ResumeGrace time.Duration `mapstructure:"resume_grace" validate:"min=1m"`
	// ResumeWindowDays bounds how old a pause may be and still be resumed.
	ResumeWindowDays int `mapstructure:"resume_window_days" validate:"min=1"`
	// Timezone interprets absolute "DD.MM.YYYY HH:MM" schedule times.
	Timezone string `mapstructure:"timezone" validate:"required"`
}

// AlertConfig holds the operational alerting channel (Discord).
type AlertConfig struct {
	DiscordToken   string `mapstructure:"discord_token"`
	DiscordChannel string `mapstructure:"discord_channel"`
}

// CRMConfig holds the lead-creation backend settings.
type CRMConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout" validate:"min=1s,max=2m"`
}

// TasksConfig holds cron expressions for the housekeeping jobs.
type TasksConfig struct {
	SQLMaintenance string `mapstructure:"sql_maintenance"`
	StageSync      string `mapstructure:"stage_sync"`
	ResumeSweep    string `mapstructure:"resume_sweep"`
}
