// Package handlers binds Telegram updates to the funnel router and the
// notification scheduler.
package handlers

import (
	"log/slog"

	"github.com/firestorm-team/funnelbot/internal/activity"
	"github.com/firestorm-team/funnelbot/internal/database"
	"github.com/firestorm-team/funnelbot/internal/funnel"
	"github.com/firestorm-team/funnelbot/internal/notifier"
	"github.com/firestorm-team/funnelbot/internal/router"
)

// HandlerDeps provides the dependencies shared by all update handlers.
type HandlerDeps struct {
	Logger   *slog.Logger
	Store    database.Store
	Registry *funnel.Registry
	Router   *router.Router
	Notifier *notifier.Notifier
	Tracker  *activity.Tracker
}
