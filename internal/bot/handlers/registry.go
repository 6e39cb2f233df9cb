package handlers

import (
	tgbot "github.com/go-telegram/bot"

	"github.com/firestorm-team/funnelbot/internal/telegram"
)

// RegisterAllHandlers returns the update handlers to register: /start and
// the catch-all callback handler. Plain messages and chat-member updates go
// through the default handler (NewDefaultHandler), which the caller wires
// via a bot option.
func RegisterAllHandlers(deps HandlerDeps) map[string]telegram.RegisteredHandler {
	registered := make(map[string]telegram.RegisteredHandler)

	registered["/start"] = telegram.RegisteredHandler{
		HandlerType: tgbot.HandlerTypeMessageText,
		Pattern:     "start",
		Handler:     NewStartHandler(deps),
		MatchType:   tgbot.MatchTypeCommandStartOnly,
	}
	registered["callback"] = telegram.RegisteredHandler{
		HandlerType: tgbot.HandlerTypeCallbackQueryData,
		Pattern:     "",
		Handler:     NewCallbackHandler(deps),
		MatchType:   tgbot.MatchTypePrefix,
	}

	deps.Logger.Info("initialized update handlers", "count", len(registered))
	return registered
}
