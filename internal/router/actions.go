package router

import (
	"context"

	"github.com/firestorm-team/funnelbot/internal/funnel"
)

// RunActions executes the descriptor's actions in declaration order and
// returns the outcome of the last one. Expected failures (user not
// subscribed, no data collected yet) come back as false, not as errors;
// only programmer errors are logged.
func (r *Router) RunActions(ctx context.Context, userID int64, actions []funnel.Action) bool {
	result := false
	for _, action := range actions {
		result = r.runAction(ctx, userID, action)
	}
	return result
}

func (r *Router) runAction(ctx context.Context, userID int64, action funnel.Action) bool {
	result := false

	switch action.Kind {
	case funnel.ActionCheckSubs:
		member, err := r.messenger.IsChannelMember(ctx, action.Channel, userID)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to check channel subscription",
				"channel", action.Channel, "user_id", userID, "error", err)
			break
		}
		if member {
			if err := r.store.AddHistory(ctx, userID, "Subscribed to "+action.Channel); err != nil {
				r.logger.ErrorContext(ctx, "failed to record subscription", "user_id", userID, "error", err)
			}
		}
		result = member

	case funnel.ActionCheckRegistration:
		registered, err := r.crm.IsRegistered(ctx, userID)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to check registration", "user_id", userID, "error", err)
			break
		}
		result = registered

	case funnel.ActionStartFSM:
		result = r.startCollection(ctx, userID, action)

	case funnel.ActionCheckFSMData:
		has, err := r.fsm.HasData(ctx, userID, action.DataName)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to check collected data",
				"user_id", userID, "data_name", action.DataName, "error", err)
			break
		}
		result = has

	case funnel.ActionStopFSM:
		stopped, err := r.fsm.Stop(ctx, userID)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to stop collection", "user_id", userID, "error", err)
			break
		}
		result = stopped

	case funnel.ActionIsFSMActive:
		active, err := r.fsm.IsActive(ctx, userID)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to check collection state", "user_id", userID, "error", err)
			break
		}
		result = active

	case funnel.ActionSendCRM:
		result = r.submitLead(ctx, userID)

	case funnel.ActionSendFile:
		result = r.sendFileAction(ctx, userID, action)

	case funnel.ActionCloseNotifications:
		if err := r.store.CloseNotifications(ctx, userID, action.Labels); err != nil {
			r.logger.ErrorContext(ctx, "failed to close notifications",
				"user_id", userID, "labels", action.Labels, "error", err)
			break
		}
		result = true

	case funnel.ActionCloseAllNotifications:
		if err := r.store.CloseAllNotifications(ctx, userID); err != nil {
			r.logger.ErrorContext(ctx, "failed to close all notifications", "user_id", userID, "error", err)
			break
		}
		result = true

	case funnel.ActionFunnelPassed:
		if err := r.store.SaveFunnelPassed(ctx, userID, r.registry.DefaultName()); err != nil {
			r.logger.ErrorContext(ctx, "failed to mark funnel passed", "user_id", userID, "error", err)
			break
		}
		r.logger.InfoContext(ctx, "user passed the funnel, no further notifications", "user_id", userID)
		result = true

	case funnel.ActionReturnOK:
		result = true

	default:
		r.logger.ErrorContext(ctx, "unknown action kind", "kind", action.Kind, "user_id", userID)
	}

	if action.ReverseResult {
		return !result
	}
	return result
}

// startCollection begins an FSM collection. A collection feeding the CRM is
// refused while the user already has an open lead, so a second run of the
// same funnel step cannot spawn duplicate leads.
func (r *Router) startCollection(ctx context.Context, userID int64, action funnel.Action) bool {
	if funnel.ActionKind(action.IfCollected) == funnel.ActionSendCRM {
		active, err := r.crm.HasActiveLead(ctx, userID)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to check active lead", "user_id", userID, "error", err)
			return false
		}
		if active {
			return false
		}
	}
	if err := r.fsm.Start(ctx, userID, action.CollectData, action.IfCollected); err != nil {
		r.logger.ErrorContext(ctx, "failed to start collection", "user_id", userID, "error", err)
		return false
	}
	return true
}

// submitLead pushes the collected session fields to the CRM. Called once per
// captured field; a session that has already been cleared means the data went
// out on the last capture, which counts as success.
func (r *Router) submitLead(ctx context.Context, userID int64) bool {
	s, err := r.fsm.load(ctx, userID)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to load session for lead", "user_id", userID, "error", err)
		return false
	}
	if s == nil {
		return true
	}

	fields := s.collected()
	if len(fields) == 0 {
		return false
	}
	for key, value := range s.Addition {
		fields[key] = value
	}

	leadID, err := r.crm.CreateOrUpdateLead(ctx, userID, s.LeadID, fields)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to submit lead", "user_id", userID, "error", err)
		return false
	}
	if leadID == 0 {
		return false
	}

	s.LeadID = leadID
	if err := r.fsm.save(ctx, userID, s); err != nil {
		r.logger.ErrorContext(ctx, "failed to store lead id", "user_id", userID, "error", err)
	}
	return true
}

func (r *Router) sendFileAction(ctx context.Context, userID int64, action funnel.Action) bool {
	desc := &funnel.Descriptor{Text: action.Text, File: action.File}
	if _, err := r.messenger.Deliver(ctx, userID, desc, nil); err != nil {
		r.logger.ErrorContext(ctx, "failed to deliver file action", "user_id", userID, "error", err)
		return false
	}
	if action.Label != "" {
		r.recordFunnelStep(ctx, userID, action.Label)
	}
	return true
}
