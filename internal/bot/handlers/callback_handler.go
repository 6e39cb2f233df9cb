package handlers

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/firestorm-team/funnelbot/internal/telegram"
)

// NewCallbackHandler returns the catch-all inline-button handler. One
// handler serves every funnel button: behavior lives in the funnel JSON, not
// in code.
func NewCallbackHandler(deps HandlerDeps) bot.HandlerFunc {
	return callbackHandler{deps}.Handle
}

type callbackHandler struct {
	deps HandlerDeps
}

func (h callbackHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "callback")

	query := update.CallbackQuery
	if query == nil {
		return
	}
	userID := query.From.ID

	if _, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: query.ID,
	}); err != nil {
		log.WarnContext(ctx, "failed to answer callback query", "user_id", userID, "error", err)
	}

	h.deps.Tracker.Touch(ctx, userID)
	if err := h.deps.Notifier.ResumeUserNotifications(ctx, userID); err != nil {
		log.ErrorContext(ctx, "failed to resume notifications", "user_id", userID, "error", err)
	}

	messageID := 0
	if query.Message.Message != nil {
		messageID = query.Message.Message.ID
	}
	userData := &telegram.UserData{
		Username:  query.From.Username,
		FirstName: query.From.FirstName,
		LastName:  query.From.LastName,
	}
	if err := h.deps.Router.HandleCallback(ctx, userID, userData, query.Data, messageID); err != nil {
		log.ErrorContext(ctx, "failed to handle callback",
			"user_id", userID, "callback", query.Data, "error", err)
	}
}
