package handlers

import (
	"context"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/firestorm-team/funnelbot/internal/database"
	"github.com/firestorm-team/funnelbot/internal/router"
	"github.com/firestorm-team/funnelbot/internal/telegram"
)

// Deep-link payload keys: "ca" selects the persona (campaign marker), "msg"
// jumps straight to a callback route, "fn" binds the user to a named funnel.
const (
	payloadKeyPersona = "ca"
	payloadKeyRoute   = "msg"
	payloadKeyFunnel  = "fn"
)

// NewStartHandler returns the /start command handler.
func NewStartHandler(deps HandlerDeps) bot.HandlerFunc {
	return startHandler{deps}.Handle
}

type startHandler struct {
	deps HandlerDeps
}

func (h startHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "start")

	if update.Message == nil || update.Message.From == nil {
		log.WarnContext(ctx, "start update without message or sender", "update_id", update.ID)
		return
	}

	from := update.Message.From
	userID := from.ID
	raw := strings.TrimSpace(strings.TrimPrefix(update.Message.Text, "/start"))
	data := router.ParsePayload(raw)

	log.InfoContext(ctx, "bot started", "user_id", userID, "username", from.Username, "payload", raw)

	existing, err := h.deps.Store.GetUser(ctx, userID)
	if err != nil {
		log.ErrorContext(ctx, "failed to look up user", "user_id", userID, "error", err)
	}

	username := from.Username
	if username == "" {
		username = "Unknown"
	}
	if err := h.deps.Store.UpsertUser(ctx, &database.User{
		ID:        userID,
		Username:  username,
		FirstName: from.FirstName,
		LastName:  from.LastName,
	}); err != nil {
		log.ErrorContext(ctx, "failed to save user", "user_id", userID, "error", err)
	}

	if existing == nil {
		note := "Started using the bot"
		if raw != "" {
			note += "\nDeep link: " + raw
		}
		if err := h.deps.Store.AddHistory(ctx, userID, note); err != nil {
			log.ErrorContext(ctx, "failed to record first contact", "user_id", userID, "error", err)
		}
	}

	h.deps.Tracker.Touch(ctx, userID)
	if err := h.deps.Notifier.ResumeUserNotifications(ctx, userID); err != nil {
		log.ErrorContext(ctx, "failed to resume notifications", "user_id", userID, "error", err)
	}

	if name := data[payloadKeyFunnel]; name != "" {
		if bound, err := h.deps.Registry.BindUserFunnel(ctx, userID, name); err != nil {
			log.ErrorContext(ctx, "failed to bind funnel", "user_id", userID, "funnel", name, "error", err)
		} else {
			log.InfoContext(ctx, "user bound to funnel", "user_id", userID, "funnel", bound)
		}
	}

	userData := &telegram.UserData{
		Username:  from.Username,
		FirstName: from.FirstName,
		LastName:  from.LastName,
	}
	delivered, err := h.deps.Router.HandleStart(ctx, userID, userData,
		data[payloadKeyPersona], data[payloadKeyRoute])
	if err != nil {
		log.ErrorContext(ctx, "failed to handle start", "user_id", userID, "error", err)
		return
	}
	if !delivered {
		log.WarnContext(ctx, "start produced no message", "user_id", userID, "payload", raw)
	}
}
