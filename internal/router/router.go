// Package router resolves funnel descriptors for start commands, callback
// presses and FSM collection input, executes their attached actions and
// hands follow-up notifications to the scheduler.
package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/firestorm-team/funnelbot/internal/crm"
	"github.com/firestorm-team/funnelbot/internal/database"
	"github.com/firestorm-team/funnelbot/internal/funnel"
	"github.com/firestorm-team/funnelbot/internal/telegram"
)

// LockLimit caps the resident per-user lock count. Low enough to keep memory
// flat, high enough that simultaneous collections do not thrash the table.
const LockLimit = 100

// DefaultPersona is the start trigger used when a deep link carries no
// persona or an unknown one.
const DefaultPersona = "default"

// Enqueuer is the scheduler side the router hands follow-up notification
// blocks to. Wired after construction to break the mutual dependency with
// the notifier.
type Enqueuer interface {
	AddNotifications(ctx context.Context, userID int64, specs []funnel.NotificationSpec, funnelName string) error
}

// Inbound is a plain user message fed to the collection state machine.
type Inbound struct {
	Text         string
	ContactPhone string
}

// Router implements descriptor resolution and dispatch.
type Router struct {
	logger    *slog.Logger
	store     database.Store
	registry  *funnel.Registry
	messenger telegram.Messenger
	crm       crm.LeadClient
	fsm       *fsmEngine
	locks     *lockTable
	persona   string
	scheduler Enqueuer
}

// New creates a Router. defaultPersona is the start trigger used for plain
// and unrecognized deep links; empty falls back to "default". Call
// SetScheduler before serving updates.
func New(logger *slog.Logger, store database.Store, registry *funnel.Registry, messenger telegram.Messenger, leads crm.LeadClient, defaultPersona string) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if defaultPersona == "" {
		defaultPersona = DefaultPersona
	}
	return &Router{
		logger:    logger.With("component", "router"),
		store:     store,
		registry:  registry,
		messenger: messenger,
		crm:       leads,
		fsm:       newFSMEngine(logger, store),
		locks:     newLockTable(LockLimit),
		persona:   defaultPersona,
	}
}

// SetScheduler wires the notification enqueue target.
func (r *Router) SetScheduler(s Enqueuer) { r.scheduler = s }

// HandleStart resolves and delivers the entry message for a /start. persona
// selects the start trigger (unknown ones fall back to the default);
// explicitRoute, when set, jumps straight to a callback-namespace message.
// Returns whether a message was delivered.
func (r *Router) HandleStart(ctx context.Context, userID int64, user *telegram.UserData, persona, explicitRoute string) (bool, error) {
	def := r.registry.Get(r.registry.ResolveUserFunnel(ctx, userID))
	if def == nil {
		return false, fmt.Errorf("no funnel definition available for user %d", userID)
	}

	if persona == "" {
		persona = r.persona
	}
	if _, ok := def.Start[persona]; !ok {
		persona = r.persona
	}
	r.logger.DebugContext(ctx, "user started the bot", "user_id", userID, "persona", persona, "route", explicitRoute)

	route := "start"
	var desc *funnel.Descriptor
	if explicitRoute != "" {
		desc = def.Callback[explicitRoute]
	} else {
		desc = def.Start[persona]
	}

	if desc != nil {
		if actions := desc.ActionList(); len(actions) > 0 && r.RunActions(ctx, userID, actions) {
			// Side-effect-only action lists carry no route; the current
			// descriptor stays in place.
			if next := funnel.NextRoute(actions); next != "" {
				route = next
				desc = def.Callback[next]
			}
		}
		if desc != nil && desc.Event != "" {
			if err := r.store.SaveEvent(ctx, userID, desc.Event, false); err != nil {
				r.logger.ErrorContext(ctx, "failed to save event", "user_id", userID, "event", desc.Event, "error", err)
			}
		}
	}

	if !desc.HasContent() {
		r.logger.ErrorContext(ctx, "no deliverable message for start",
			"user_id", userID, "persona", persona, "route", explicitRoute)
		return false, nil
	}

	if _, err := r.messenger.Deliver(ctx, userID, desc, user); err != nil {
		r.logger.ErrorContext(ctx, "failed to deliver start message", "user_id", userID, "error", err)
		return false, nil
	}

	if explicitRoute != "" {
		route = explicitRoute
	}
	r.afterDelivery(ctx, userID, desc, route, def.Name)
	return true, nil
}

// HandleCallback resolves and delivers the message behind an inline-button
// press. messageID is the message the button was attached to, deleted first
// when the descriptor asks for it. After successful delivery the pending
// notification carrying the callback's label is closed: the user acted on
// the nudge.
func (r *Router) HandleCallback(ctx context.Context, userID int64, user *telegram.UserData, payload string, messageID int) error {
	def := r.registry.Get(r.registry.ResolveUserFunnel(ctx, userID))
	if def == nil {
		return fmt.Errorf("no funnel definition available for user %d", userID)
	}

	desc := def.Callback[payload]
	if desc == nil {
		r.logger.ErrorContext(ctx, "no behavior defined for callback", "callback", payload, "user_id", userID)
		return nil
	}

	if desc.Delete && messageID != 0 {
		if err := r.messenger.DeleteMessage(ctx, userID, messageID); err != nil {
			r.logger.ErrorContext(ctx, "failed to delete triggering message",
				"user_id", userID, "message_id", messageID, "error", err)
		}
	}

	if actions := desc.ActionList(); len(actions) > 0 && r.RunActions(ctx, userID, actions) {
		if next := funnel.NextRoute(actions); next != "" {
			desc = def.Callback[next]
			if desc == nil {
				r.logger.ErrorContext(ctx, "re-route target has no behavior", "route", next, "user_id", userID)
				return nil
			}
		}
	}

	if desc.Event != "" {
		if err := r.store.SaveEvent(ctx, userID, desc.Event, false); err != nil {
			r.logger.ErrorContext(ctx, "failed to save event", "user_id", userID, "event", desc.Event, "error", err)
		}
	}

	if !desc.HasContent() {
		r.logger.ErrorContext(ctx, "no deliverable message for callback", "callback", payload, "user_id", userID)
		return nil
	}

	if _, err := r.messenger.Deliver(ctx, userID, desc, user); err != nil {
		r.logger.ErrorContext(ctx, "failed to deliver callback message",
			"user_id", userID, "callback", payload, "error", err)
		return nil
	}

	r.afterDelivery(ctx, userID, desc, payload, def.Name)

	if err := r.store.CloseNotification(ctx, userID, payload); err != nil {
		r.logger.ErrorContext(ctx, "failed to close acted-on notification",
			"user_id", userID, "label", payload, "error", err)
	}
	return nil
}

// HandleMessage feeds a plain message into the user's collection state
// machine. Returns false when no collection is running, so the caller can
// fall through to its default message handling. Mutation of the session is
// serialized per user.
func (r *Router) HandleMessage(ctx context.Context, userID int64, user *telegram.UserData, in Inbound) (bool, error) {
	lock := r.locks.Get(userID)
	lock.Lock()
	defer lock.Unlock()

	s, err := r.fsm.load(ctx, userID)
	if err != nil {
		return false, err
	}
	if s == nil {
		return false, nil
	}

	capturedIdx := -1
	for idx := range s.Collect {
		item := &s.Collect[idx]
		if item.Value != "" {
			continue
		}

		switch {
		case item.ExpectedData == "text" && in.Text != "":
			item.Value = in.Text
		case item.ExpectedData == "contact" && in.ContactPhone != "":
			item.Value = in.ContactPhone
		default:
			r.reply(ctx, userID, user, item.NotOKMsg, false)
			return true, nil
		}

		if err := r.store.AddHistory(ctx, userID,
			fmt.Sprintf("Left data: %s - %s", item.Name, item.Value)); err != nil {
			r.logger.ErrorContext(ctx, "failed to record collected data", "user_id", userID, "error", err)
		}
		r.reply(ctx, userID, user, item.OKMsg, true)
		capturedIdx = idx
		break
	}

	if s.Addition == nil && user != nil {
		s.Addition = map[string]string{
			"username": user.Username,
			"user_id":  fmt.Sprintf("%d", userID),
		}
	}
	if err := r.fsm.save(ctx, userID, s); err != nil {
		return true, err
	}

	if s.IfCollected != "" {
		r.runAction(ctx, userID, funnel.Action{Kind: funnel.ActionKind(s.IfCollected)})
	}

	if capturedIdx == len(s.Collect)-1 {
		if err := r.store.ClearSession(ctx, userID); err != nil {
			return true, err
		}
	}
	return true, nil
}

// afterDelivery runs the bookkeeping shared by every successful send:
// ephemeral purge, optional history note, funnel step recording and
// follow-up notification enqueue.
func (r *Router) afterDelivery(ctx context.Context, userID int64, desc *funnel.Descriptor, route, funnelName string) {
	r.messenger.PurgeEphemeral(ctx, userID)

	if desc.UserHistory != "" {
		if err := r.store.AddHistory(ctx, userID, desc.UserHistory); err != nil {
			r.logger.ErrorContext(ctx, "failed to record history", "user_id", userID, "error", err)
		}
	}
	r.recordFunnelStep(ctx, userID, route)

	if len(desc.Notifications) > 0 && r.scheduler != nil {
		if err := r.scheduler.AddNotifications(ctx, userID, desc.Notifications, funnelName); err != nil {
			r.logger.ErrorContext(ctx, "failed to enqueue notifications", "user_id", userID, "error", err)
		}
	}
}

// recordFunnelStep appends the route to the user's funnel history and, once
// per distinct route, to the unique progress table. Routes with a stage
// alias are recorded under the alias.
func (r *Router) recordFunnelStep(ctx context.Context, userID int64, route string) {
	if route == "" {
		return
	}
	stage := route
	if alias, ok := r.registry.Stages()[route]; ok {
		stage = alias
	}
	if err := r.store.SaveFunnelHistory(ctx, userID, stage); err != nil {
		r.logger.ErrorContext(ctx, "failed to save funnel history", "user_id", userID, "stage", stage, "error", err)
	}
	if err := r.store.SaveFunnelProgress(ctx, userID, stage, route); err != nil {
		r.logger.ErrorContext(ctx, "failed to save funnel progress", "user_id", userID, "stage", stage, "error", err)
	}
}

func (r *Router) reply(ctx context.Context, userID int64, user *telegram.UserData, text string, removeKeyboard bool) {
	if text == "" {
		return
	}
	desc := &funnel.Descriptor{Text: text, RemoveKeyboard: removeKeyboard}
	if _, err := r.messenger.Deliver(ctx, userID, desc, user); err != nil {
		r.logger.ErrorContext(ctx, "failed to send collection reply", "user_id", userID, "error", err)
	}
}
