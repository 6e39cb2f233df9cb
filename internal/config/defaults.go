package config

import "time"

// Default values for optional configuration parameters.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultDBPath            = "storage.db"
	DefaultDBConnMaxLifetime = 5 * time.Minute

	DefaultFunnelsDir    = "funnels"
	DefaultFunnelName    = "default"
	DefaultPersona       = "default"
	DefaultStaticDir     = "static"
	DefaultCRMTimeout    = 30 * time.Second
	DefaultNotifierTZ    = "Europe/Moscow"
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultStaleness     = 48 * time.Hour
	DefaultResumeGrace   = 5 * time.Minute
	DefaultInactivity    = 45
	DefaultMaxCampaign   = 60
	DefaultIgnoredCount  = 10
	DefaultIgnoredWindow = 60
	DefaultIgnoredQuiet  = 14
	DefaultResumeWindow  = 180
)

// Default cron schedules for housekeeping tasks (standard 5-field cron).
const (
	DefaultSQLMaintenanceSchedule = "0 4 * * *"
	DefaultStageSyncSchedule      = "30 4 * * *"
	DefaultResumeSweepSchedule    = "*/10 * * * *"
)
