// Package tasks implements the periodic housekeeping jobs run by the
// gocron scheduler.
package tasks

import (
	"log/slog"

	"github.com/firestorm-team/funnelbot/internal/config"
	"github.com/firestorm-team/funnelbot/internal/database"
	"github.com/firestorm-team/funnelbot/internal/funnel"
	"github.com/firestorm-team/funnelbot/internal/notifier"
)

// TaskDeps contains the dependencies available to scheduled tasks.
type TaskDeps struct {
	Logger   *slog.Logger
	Config   *config.Config
	Store    database.Store
	Registry *funnel.Registry
	Notifier *notifier.Notifier
}
