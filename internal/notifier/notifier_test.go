package notifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firestorm-team/funnelbot/internal/activity"
	"github.com/firestorm-team/funnelbot/internal/config"
	"github.com/firestorm-team/funnelbot/internal/database"
	"github.com/firestorm-team/funnelbot/internal/funnel"
	"github.com/firestorm-team/funnelbot/internal/telegram"
)

type insertedNote struct {
	record   database.Notification
	reusable bool
}

// dispatchStore fakes the notification persistence the scheduler touches.
type dispatchStore struct {
	database.Store

	mu           sync.Mutex
	inserted     []insertedNote
	activeWarmup int
	events       map[string]bool
	inCourse     bool
	due          []database.Notification
	paused       []database.Notification
	resumed      map[int64]int64
	pausedUsers  []int64
	closedIDs    []int64
	closedLabels []string
	history      []string
	snapshot     *database.ActivitySnapshot
	user         *database.User
	blockedFlag  *bool
	passedSwept  bool
}

func newDispatchStore() *dispatchStore {
	return &dispatchStore{
		events:  make(map[string]bool),
		resumed: make(map[int64]int64),
	}
}

func (s *dispatchStore) InsertNotification(_ context.Context, n *database.Notification, reusable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, insertedNote{record: *n, reusable: reusable})
	return nil
}

func (s *dispatchStore) CountActiveWarmup(_ context.Context, _ int64, _ string) (int, error) {
	return s.activeWarmup, nil
}

func (s *dispatchStore) HasEvent(_ context.Context, _ int64, eventType string) (bool, error) {
	return s.events[eventType], nil
}

func (s *dispatchStore) SaveEvent(_ context.Context, _ int64, eventType string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[eventType] = true
	return nil
}

func (s *dispatchStore) HasFunnelProgressLike(_ context.Context, _ int64, _ []string) (bool, error) {
	return s.inCourse, nil
}

func (s *dispatchStore) DueNotifications(_ context.Context, _ int64, _ string) ([]database.Notification, error) {
	return s.due, nil
}

func (s *dispatchStore) CloseNotificationsForPassedUsers(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passedSwept = true
	return nil
}

func (s *dispatchStore) CloseNotificationByID(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedIDs = append(s.closedIDs, id)
	return nil
}

func (s *dispatchStore) CloseNotification(_ context.Context, _ int64, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedLabels = append(s.closedLabels, label)
	return nil
}

func (s *dispatchStore) PauseUserNotifications(_ context.Context, userID int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedUsers = append(s.pausedUsers, userID)
	return nil
}

func (s *dispatchStore) PausedNotifications(_ context.Context, _ int64, _ time.Time) ([]database.Notification, error) {
	return s.paused, nil
}

func (s *dispatchStore) ResumeNotification(_ context.Context, id int64, newTimeToSend int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed[id] = newTimeToSend
	return nil
}

func (s *dispatchStore) AddHistory(_ context.Context, _ int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, text)
	return nil
}

func (s *dispatchStore) ActivitySnapshot(_ context.Context, _ int64, _ int) (*database.ActivitySnapshot, error) {
	return s.snapshot, nil
}

func (s *dispatchStore) GetUser(_ context.Context, _ int64) (*database.User, error) {
	return s.user, nil
}

func (s *dispatchStore) SetUserBlocked(_ context.Context, _ int64, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockedFlag = &blocked
	return nil
}

func (s *dispatchStore) hasHistory(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.history {
		if entry == text {
			return true
		}
	}
	return false
}

func (s *dispatchStore) insertedLabels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	labels := make([]string, 0, len(s.inserted))
	for _, note := range s.inserted {
		labels = append(labels, note.record.Label)
	}
	return labels
}

type stubMessenger struct {
	mu         sync.Mutex
	sent       []string
	deliverErr error
}

func (m *stubMessenger) Deliver(_ context.Context, _ int64, d *funnel.Descriptor, _ *telegram.UserData) (*telegram.Result, error) {
	if m.deliverErr != nil {
		return nil, m.deliverErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, d.Text)
	return &telegram.Result{MessageID: len(m.sent)}, nil
}

func (m *stubMessenger) DeleteMessage(_ context.Context, _ int64, _ int) error { return nil }
func (m *stubMessenger) PurgeEphemeral(_ context.Context, _ int64)             {}
func (m *stubMessenger) IsChannelMember(_ context.Context, _ string, _ int64) (bool, error) {
	return false, nil
}
func (m *stubMessenger) UserInfo(_ context.Context, _ int64) (*telegram.UserData, error) {
	return &telegram.UserData{}, nil
}
func (m *stubMessenger) BotUsername() string { return "funnel_bot" }

type stubRunner struct{ result bool }

func (r *stubRunner) RunActions(_ context.Context, _ int64, _ []funnel.Action) bool {
	return r.result
}

type stubAlerter struct {
	mu    sync.Mutex
	texts []string
}

func (a *stubAlerter) Notify(_ context.Context, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
}

func testNotifierConfig() *config.NotifierConfig {
	return &config.NotifierConfig{
		PollInterval:       500 * time.Millisecond,
		Staleness:          48 * time.Hour,
		InactivityDays:     45,
		MaxCampaignDays:    60,
		IgnoredCount:       10,
		IgnoredWindowDays:  60,
		IgnoredSilenceDays: 14,
		ResumeGrace:        5 * time.Minute,
		ResumeWindowDays:   180,
		Timezone:           "UTC",
	}
}

const dispatchFunnelJSON = `{
	"start": {"default": {"text": "hi"}},
	"callback": {
		"nudge_1": {
			"text": "Time for lesson one",
			"notifications": [{"message": "nudge_2", "at_time": {"wait_seconds": 60}}]
		},
		"nudge_2": {"text": "Second nudge"},
		"chain_only": {
			"notifications": [{"message": "nudge_2", "at_time": {"wait_seconds": 60}}]
		}
	}
}`

type notifierFixture struct {
	notifier  *Notifier
	store     *dispatchStore
	messenger *stubMessenger
	runner    *stubRunner
	alerter   *stubAlerter
}

func newNotifierFixture(t *testing.T) *notifierFixture {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "default.json"), []byte(dispatchFunnelJSON), 0o600); err != nil {
		t.Fatalf("failed to write funnel definition: %v", err)
	}

	store := newDispatchStore()
	registry := funnel.NewRegistry(nil, store, dir, "default")
	if err := registry.LoadAll(); err != nil {
		t.Fatalf("failed to load funnel definitions: %v", err)
	}

	cfg := testNotifierConfig()
	messenger := &stubMessenger{}
	runner := &stubRunner{}
	alerter := &stubAlerter{}
	tracker := activity.NewTracker(nil, store, cfg)

	n, err := New(nil, cfg, store, registry, messenger, runner, tracker, alerter)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return &notifierFixture{notifier: n, store: store, messenger: messenger, runner: runner, alerter: alerter}
}

func TestAddNotificationsEnqueues(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	f.store.inCourse = true // suppress the warmup drip for this test

	specs := []funnel.NotificationSpec{
		{Label: "nudge_1", Wait: funnel.WaitSpec{WaitSeconds: 60}},
		{Label: "nudge_2", Wait: funnel.WaitSpec{WaitSeconds: 120}, Reusable: true, Funnel: "Course"},
	}
	if err := f.notifier.AddNotifications(context.Background(), 100, specs, "default"); err != nil {
		t.Fatalf("AddNotifications returned error: %v", err)
	}

	if len(f.store.inserted) != 2 {
		t.Fatalf("inserted %d records, want 2", len(f.store.inserted))
	}

	first := f.store.inserted[0]
	if first.record.Label != "nudge_1" || first.reusable {
		t.Errorf("first record = %+v, want non-reusable nudge_1", first)
	}
	if first.record.FunnelName.String != "default" {
		t.Errorf("first record funnel = %q, want default", first.record.FunnelName.String)
	}

	second := f.store.inserted[1]
	if !second.reusable {
		t.Error("second record lost its reusable flag")
	}
	if second.record.FunnelName.String != "course" {
		t.Errorf("per-spec funnel override = %q, want lowercased course", second.record.FunnelName.String)
	}
}

func TestAddNotificationsWarmupInjection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      func(*dispatchStore)
		wantWarmup bool
	}{
		{
			name:       "fresh user gets the drip",
			setup:      func(_ *dispatchStore) {},
			wantWarmup: true,
		},
		{
			name:       "registered user is excluded",
			setup:      func(s *dispatchStore) { s.events[registrationEvent] = true },
			wantWarmup: false,
		},
		{
			name:       "course funnel progress excludes",
			setup:      func(s *dispatchStore) { s.inCourse = true },
			wantWarmup: false,
		},
		{
			name:       "active series is not doubled",
			setup:      func(s *dispatchStore) { s.activeWarmup = 2 },
			wantWarmup: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newNotifierFixture(t)
			tc.setup(f.store)

			specs := []funnel.NotificationSpec{{Label: "nudge_1", Wait: funnel.WaitSpec{WaitSeconds: 60}}}
			if err := f.notifier.AddNotifications(context.Background(), 100, specs, "default"); err != nil {
				t.Fatalf("AddNotifications returned error: %v", err)
			}

			warmups := 0
			for _, label := range f.store.insertedLabels() {
				if strings.HasPrefix(label, WarmupPrefix) {
					warmups++
				}
			}
			if tc.wantWarmup && warmups != len(warmupPlan) {
				t.Errorf("inserted %d warmup records, want %d", warmups, len(warmupPlan))
			}
			if !tc.wantWarmup && warmups != 0 {
				t.Errorf("inserted %d warmup records, want none", warmups)
			}
		})
	}
}

func dueRecord(id int64, label string, timeToSend int64) database.Notification {
	return database.Notification{
		ID:         id,
		UserID:     100,
		Label:      label,
		TimeToSend: timeToSend,
		IsActive:   true,
		FunnelName: database.NullString("default"),
	}
}

func TestDeliverSendsClosesAndChains(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	f.store.inCourse = true
	record := dueRecord(7, "nudge_1", time.Now().Unix()-10)

	f.notifier.deliver(context.Background(), &record)

	if len(f.messenger.sent) != 1 || f.messenger.sent[0] != "Time for lesson one" {
		t.Errorf("sent = %v, want the nudge text", f.messenger.sent)
	}
	if len(f.store.closedIDs) != 1 || f.store.closedIDs[0] != 7 {
		t.Errorf("closed ids = %v, want [7]", f.store.closedIDs)
	}
	if labels := f.store.insertedLabels(); len(labels) != 1 || labels[0] != "nudge_2" {
		t.Errorf("chained labels = %v, want [nudge_2]", labels)
	}
	if !f.store.hasHistory("Received notification: nudge_1") {
		t.Errorf("history %v missing the delivery note", f.store.history)
	}
}

func TestDeliverStaleRecordClosesWithoutSending(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	record := dueRecord(7, "nudge_1", time.Now().Add(-72*time.Hour).Unix())

	f.notifier.deliver(context.Background(), &record)

	if len(f.messenger.sent) != 0 {
		t.Errorf("stale record was delivered: %v", f.messenger.sent)
	}
	if len(f.store.closedIDs) != 1 {
		t.Errorf("closed ids = %v, want the stale record closed", f.store.closedIDs)
	}
}

func TestDeliverUnknownLabelCloses(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	record := dueRecord(7, "no_such_label", time.Now().Unix()-10)

	f.notifier.deliver(context.Background(), &record)

	if len(f.messenger.sent) != 0 {
		t.Errorf("unknown label was delivered: %v", f.messenger.sent)
	}
	if len(f.store.closedIDs) != 1 {
		t.Errorf("closed ids = %v, want the unmapped record closed", f.store.closedIDs)
	}
}

func TestDeliverChainOnlyDescriptorKeepsRecord(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	f.store.inCourse = true
	record := dueRecord(7, "chain_only", time.Now().Unix()-10)

	f.notifier.deliver(context.Background(), &record)

	if labels := f.store.insertedLabels(); len(labels) != 1 || labels[0] != "nudge_2" {
		t.Errorf("chained labels = %v, want [nudge_2]", labels)
	}
	// The record stays open; the staleness rule will expire it.
	if len(f.store.closedIDs) != 0 {
		t.Errorf("closed ids = %v, want none", f.store.closedIDs)
	}
}

func TestDeliverBlockedRecipient(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	f.messenger.deliverErr = errors.New("forbidden: bot was blocked by the user")
	f.store.user = &database.User{ID: 100, Username: "runner"}
	record := dueRecord(7, "nudge_1", time.Now().Unix()-10)

	f.notifier.deliver(context.Background(), &record)

	if f.store.blockedFlag == nil || !*f.store.blockedFlag {
		t.Error("blocked recipient was not flagged")
	}
	if len(f.alerter.texts) != 1 || !strings.Contains(f.alerter.texts[0], "@runner") {
		t.Errorf("alerts = %v, want one naming the user", f.alerter.texts)
	}
	if !f.store.hasHistory("User blocked the bot") {
		t.Errorf("history %v missing the block note", f.store.history)
	}
}

func TestPassPausesInactiveUser(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	f.store.due = []database.Notification{dueRecord(7, "nudge_1", time.Now().Unix()-10)}
	f.store.snapshot = &database.ActivitySnapshot{
		LastActivity: database.NullTimeFrom(time.Now().AddDate(0, 0, -100)),
	}

	if err := f.notifier.pass(context.Background()); err != nil {
		t.Fatalf("pass returned error: %v", err)
	}

	if !f.store.passedSwept {
		t.Error("pass skipped the passed-users sweep")
	}
	if len(f.messenger.sent) != 0 {
		t.Errorf("inactive user received %v", f.messenger.sent)
	}
	if len(f.store.pausedUsers) != 1 || f.store.pausedUsers[0] != 100 {
		t.Errorf("paused users = %v, want [100]", f.store.pausedUsers)
	}
	if !f.store.hasHistory("Notifications paused due to inactivity") {
		t.Errorf("history %v missing the pause note", f.store.history)
	}
}

func TestPassDeliversActiveUser(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	f.store.inCourse = true
	f.store.due = []database.Notification{dueRecord(7, "nudge_1", time.Now().Unix()-10)}
	f.store.snapshot = &database.ActivitySnapshot{
		LastActivity: database.NullTimeFrom(time.Now().Add(-2 * time.Hour)),
	}

	if err := f.notifier.pass(context.Background()); err != nil {
		t.Fatalf("pass returned error: %v", err)
	}
	if len(f.messenger.sent) != 1 {
		t.Errorf("sent = %v, want one delivery", f.messenger.sent)
	}
	if len(f.store.pausedUsers) != 0 {
		t.Errorf("paused users = %v, want none", f.store.pausedUsers)
	}
}

func TestResumeUserNotifications(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	now := time.Now().Unix()
	f.store.paused = []database.Notification{
		{ID: 1, UserID: 100, Label: "nudge_1", TimeToSend: now - 3600},
		{ID: 2, UserID: 100, Label: "nudge_2", TimeToSend: now + 3600},
	}

	if err := f.notifier.ResumeUserNotifications(context.Background(), 100); err != nil {
		t.Fatalf("ResumeUserNotifications returned error: %v", err)
	}

	// Past-due record rescheduled a grace interval ahead.
	grace := int64((5 * time.Minute).Seconds())
	if got := f.store.resumed[1]; got < now+grace-2 || got > now+grace+2 {
		t.Errorf("past-due record resumed at %d, want about now+%ds", got, grace)
	}
	// Future record keeps its schedule.
	if got, ok := f.store.resumed[2]; !ok || got != 0 {
		t.Errorf("future record resumed with newTime %d, want 0 (keep schedule)", got)
	}
	if !f.store.hasHistory("Notifications resumed after activity") {
		t.Errorf("history %v missing the resume note", f.store.history)
	}
}

func TestResumeSkipsWarmupForRegisteredUser(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	f.store.events[registrationEvent] = true
	now := time.Now().Unix()
	f.store.paused = []database.Notification{
		{ID: 1, UserID: 100, Label: "warmup_why_poker", TimeToSend: now - 3600},
		{ID: 2, UserID: 100, Label: "nudge_1", TimeToSend: now - 3600},
	}

	if err := f.notifier.ResumeUserNotifications(context.Background(), 100); err != nil {
		t.Fatalf("ResumeUserNotifications returned error: %v", err)
	}

	if _, ok := f.store.resumed[1]; ok {
		t.Error("warmup record was resumed for a registered user")
	}
	if _, ok := f.store.resumed[2]; !ok {
		t.Error("regular record was not resumed")
	}
}

func TestResumeWithNothingPaused(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	if err := f.notifier.ResumeUserNotifications(context.Background(), 100); err != nil {
		t.Fatalf("ResumeUserNotifications returned error: %v", err)
	}
	if len(f.store.history) != 0 {
		t.Errorf("history = %v, want none for a no-op resume", f.store.history)
	}
}

func TestSetBlocked(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	f.store.user = &database.User{ID: 100, Username: "runner"}

	username, err := f.notifier.SetBlocked(context.Background(), 100, true)
	if err != nil {
		t.Fatalf("SetBlocked returned error: %v", err)
	}
	if username != "runner" {
		t.Errorf("username = %q, want runner", username)
	}
	if f.store.blockedFlag == nil || !*f.store.blockedFlag {
		t.Error("block flag was not persisted")
	}
	if len(f.alerter.texts) != 1 || !strings.Contains(f.alerter.texts[0], "blocked the bot") {
		t.Errorf("alerts = %v, want one block alert", f.alerter.texts)
	}
}

func TestResolveFunnelFallsBackToRecordHint(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	record := dueRecord(7, "nudge_1", time.Now().Unix())
	record.FunnelName = database.NullString("Course")

	if got := f.notifier.resolveFunnel(&record); got != "course" {
		t.Errorf("resolveFunnel = %q, want the normalized durable hint", got)
	}

	record.FunnelName = database.NullString("")
	record.Label = "unmapped"
	if got := f.notifier.resolveFunnel(&record); got != "default" {
		t.Errorf("resolveFunnel = %q, want the default fallback", got)
	}
}
