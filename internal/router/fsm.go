package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/firestorm-team/funnelbot/internal/database"
	"github.com/firestorm-team/funnelbot/internal/funnel"
)

// session is the persisted state of one user's data collection. A missing
// row means the user is idle; a present row means collecting.
type session struct {
	Collect     []funnel.CollectItem `json:"collect"`
	IfCollected string               `json:"if_collected,omitempty"`
	LeadID      int64                `json:"lead_id,omitempty"`
	Addition    map[string]string    `json:"addition_data,omitempty"`
}

// collected returns the name→value map of already captured items.
func (s *session) collected() map[string]string {
	fields := make(map[string]string, len(s.Collect))
	for _, item := range s.Collect {
		if item.Value != "" {
			fields[item.Name] = item.Value
		}
	}
	return fields
}

// fsmEngine runs multi-turn data collections persisted in the store's
// session table. Callers serialize access per user via the lock table.
type fsmEngine struct {
	logger *slog.Logger
	store  database.Store
}

func newFSMEngine(logger *slog.Logger, store database.Store) *fsmEngine {
	return &fsmEngine{
		logger: logger.With("component", "fsm"),
		store:  store,
	}
}

func (e *fsmEngine) load(ctx context.Context, userID int64) (*session, error) {
	data, err := e.store.GetSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var s session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session for user %d: %w", userID, err)
	}
	return &s, nil
}

func (e *fsmEngine) save(ctx context.Context, userID int64, s *session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session for user %d: %w", userID, err)
	}
	return e.store.SaveSession(ctx, userID, data)
}

// Start begins a fresh collection, replacing any session in progress. The
// item list is copied so captured values never leak into the shared funnel
// definition.
func (e *fsmEngine) Start(ctx context.Context, userID int64, items []funnel.CollectItem, ifCollected string) error {
	collect := make([]funnel.CollectItem, len(items))
	copy(collect, items)
	for i := range collect {
		collect[i].Value = ""
	}
	return e.save(ctx, userID, &session{Collect: collect, IfCollected: ifCollected})
}

// Stop clears an in-progress collection. Reports whether one was running.
func (e *fsmEngine) Stop(ctx context.Context, userID int64) (bool, error) {
	s, err := e.load(ctx, userID)
	if err != nil {
		return false, err
	}
	if s == nil {
		return false, nil
	}
	return true, e.store.ClearSession(ctx, userID)
}

// IsActive reports whether a collection is in progress.
func (e *fsmEngine) IsActive(ctx context.Context, userID int64) (bool, error) {
	s, err := e.load(ctx, userID)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

// HasData reports whether the named item has been captured. A finished
// collection (no session) counts as captured: the session is only cleared
// after the last item lands.
func (e *fsmEngine) HasData(ctx context.Context, userID int64, name string) (bool, error) {
	s, err := e.load(ctx, userID)
	if err != nil {
		return false, err
	}
	if s == nil {
		return true, nil
	}
	_, ok := s.collected()[name]
	return ok, nil
}
