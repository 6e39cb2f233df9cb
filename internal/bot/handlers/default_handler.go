package handlers

import (
	"context"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/firestorm-team/funnelbot/internal/router"
	"github.com/firestorm-team/funnelbot/internal/telegram"
)

// NewDefaultHandler returns the fallback for updates no registered handler
// claimed: plain messages (fed to the collection state machine) and
// chat-member updates (block/unblock bookkeeping).
func NewDefaultHandler(deps HandlerDeps) bot.HandlerFunc {
	return defaultHandler{deps}.Handle
}

type defaultHandler struct {
	deps HandlerDeps
}

func (h defaultHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	switch {
	case update.MyChatMember != nil:
		h.handleMembership(ctx, update.MyChatMember)
	case update.Message != nil && update.Message.From != nil:
		h.handleMessage(ctx, update.Message)
	}
}

// handleMessage processes a plain inbound message: activity bookkeeping,
// then the collection state machine. Messages outside a collection only
// leave their activity trace; support routing happens elsewhere.
func (h defaultHandler) handleMessage(ctx context.Context, msg *models.Message) {
	log := h.deps.Logger.With("handler", "message")
	userID := msg.From.ID

	if strings.HasPrefix(msg.Text, "/") {
		return
	}

	if err := h.deps.Store.SaveEvent(ctx, userID, "send_msg", true); err != nil {
		log.ErrorContext(ctx, "failed to save message event", "user_id", userID, "error", err)
	}
	h.deps.Tracker.Touch(ctx, userID)
	if err := h.deps.Notifier.ResumeUserNotifications(ctx, userID); err != nil {
		log.ErrorContext(ctx, "failed to resume notifications", "user_id", userID, "error", err)
	}

	in := router.Inbound{Text: msg.Text}
	if msg.Contact != nil {
		in.ContactPhone = msg.Contact.PhoneNumber
	}
	userData := &telegram.UserData{
		Username:  msg.From.Username,
		FirstName: msg.From.FirstName,
		LastName:  msg.From.LastName,
	}

	handled, err := h.deps.Router.HandleMessage(ctx, userID, userData, in)
	if err != nil {
		log.ErrorContext(ctx, "failed to process collection input", "user_id", userID, "error", err)
		return
	}
	if !handled {
		log.DebugContext(ctx, "message outside a collection", "user_id", userID)
	}
}

// handleMembership reacts to the user blocking or unblocking the bot in the
// private chat.
func (h defaultHandler) handleMembership(ctx context.Context, event *models.ChatMemberUpdated) {
	log := h.deps.Logger.With("handler", "membership")
	userID := event.From.ID

	var blocked bool
	switch event.NewChatMember.Type {
	case models.ChatMemberTypeBanned, models.ChatMemberTypeLeft:
		blocked = true
	case models.ChatMemberTypeMember:
		blocked = false
	default:
		return
	}

	stage := "Unblocked the bot"
	if blocked {
		stage = "Blocked the bot"
	}
	if err := h.deps.Store.SaveFunnelHistory(ctx, userID, stage); err != nil {
		log.ErrorContext(ctx, "failed to record membership change", "user_id", userID, "error", err)
	}

	if _, err := h.deps.Notifier.SetBlocked(ctx, userID, blocked); err != nil {
		log.ErrorContext(ctx, "failed to update block flag", "user_id", userID, "error", err)
	}
	h.deps.Tracker.Touch(ctx, userID)
}
