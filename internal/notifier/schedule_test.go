package notifier

import (
	"testing"
	"time"

	"github.com/firestorm-team/funnelbot/internal/funnel"
)

func mustSchedule(t *testing.T, timezone string) *schedule {
	t.Helper()
	s, err := newSchedule(timezone)
	if err != nil {
		t.Fatalf("newSchedule(%q) failed: %v", timezone, err)
	}
	return s
}

func TestNewScheduleRejectsUnknownTimezone(t *testing.T) {
	t.Parallel()

	if _, err := newSchedule("Mars/Olympus"); err == nil {
		t.Error("newSchedule accepted an unknown timezone")
	}
}

func TestSendTimeRelativeSeconds(t *testing.T) {
	t.Parallel()

	s := mustSchedule(t, "UTC")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	got, err := s.SendTime(funnel.WaitSpec{WaitSeconds: 90}, now)
	if err != nil {
		t.Fatalf("SendTime returned error: %v", err)
	}
	if want := now.Unix() + 90; got != want {
		t.Errorf("SendTime = %d, want %d", got, want)
	}
}

func TestSendTimeAbsoluteDatetime(t *testing.T) {
	t.Parallel()

	s := mustSchedule(t, "Europe/Moscow")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	got, err := s.SendTime(funnel.WaitSpec{TargetDatetime: "15.03.2026 18:30"}, now)
	if err != nil {
		t.Fatalf("SendTime returned error: %v", err)
	}

	loc, _ := time.LoadLocation("Europe/Moscow")
	want := time.Date(2026, 3, 15, 18, 30, 0, 0, loc).Unix()
	if got != want {
		t.Errorf("SendTime = %d, want %d", got, want)
	}
}

func TestSendTimeAbsoluteDatetimeMalformed(t *testing.T) {
	t.Parallel()

	s := mustSchedule(t, "UTC")
	if _, err := s.SendTime(funnel.WaitSpec{TargetDatetime: "2026-03-15 18:30"}, time.Now()); err == nil {
		t.Error("SendTime accepted a malformed timestamp")
	}
}

func TestSendTimeDailyClock(t *testing.T) {
	t.Parallel()

	s := mustSchedule(t, "UTC")
	now := time.Date(2026, 3, 10, 23, 45, 0, 0, time.UTC)

	tests := []struct {
		name string
		wait funnel.WaitSpec
		want time.Time
	}{
		{
			name: "clock with explicit day offset",
			wait: funnel.WaitSpec{Time: "10:30", DeltaDays: 3},
			want: time.Date(2026, 3, 13, 10, 30, 0, 0, time.UTC),
		},
		{
			name: "zero offset defaults to tomorrow",
			wait: funnel.WaitSpec{Time: "10:30"},
			want: time.Date(2026, 3, 11, 10, 30, 0, 0, time.UTC),
		},
		{
			name: "empty spec is tomorrow at midnight",
			wait: funnel.WaitSpec{},
			want: time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := s.SendTime(tc.wait, now)
			if err != nil {
				t.Fatalf("SendTime returned error: %v", err)
			}
			if got != tc.want.Unix() {
				t.Errorf("SendTime = %d, want %d (%s)", got, tc.want.Unix(), tc.want)
			}
		})
	}
}

func TestSendTimePrecedence(t *testing.T) {
	t.Parallel()

	s := mustSchedule(t, "UTC")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Relative seconds beat both other modes when present.
	got, err := s.SendTime(funnel.WaitSpec{
		WaitSeconds:    60,
		TargetDatetime: "15.03.2026 18:30",
		Time:           "10:00",
	}, now)
	if err != nil {
		t.Fatalf("SendTime returned error: %v", err)
	}
	if want := now.Unix() + 60; got != want {
		t.Errorf("SendTime = %d, want the relative mode result %d", got, want)
	}
}

func TestWarmupTime(t *testing.T) {
	t.Parallel()

	s := mustSchedule(t, "UTC")
	now := time.Date(2026, 3, 10, 16, 20, 0, 0, time.UTC)

	got, err := s.WarmupTime(warmupStep{Label: "warmup_x", Days: 2, Clock: "14:00"}, now)
	if err != nil {
		t.Fatalf("WarmupTime returned error: %v", err)
	}
	want := time.Date(2026, 3, 12, 14, 0, 0, 0, time.UTC).Unix()
	if got != want {
		t.Errorf("WarmupTime = %d, want %d", got, want)
	}
}

func TestWarmupPlanShape(t *testing.T) {
	t.Parallel()

	if len(warmupPlan) != 5 {
		t.Fatalf("warmup plan has %d steps, want 5", len(warmupPlan))
	}
	lastDay := 0
	for _, step := range warmupPlan {
		if step.Label == "" || step.Days <= lastDay {
			t.Errorf("warmup step %+v out of order", step)
		}
		lastDay = step.Days
		if _, _, err := parseClock(step.Clock); err != nil {
			t.Errorf("warmup step %q has invalid clock: %v", step.Label, err)
		}
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		clock   string
		hour    int
		minute  int
		wantErr bool
	}{
		{clock: "10:30", hour: 10, minute: 30},
		{clock: "00:00", hour: 0, minute: 0},
		{clock: "23:59", hour: 23, minute: 59},
		{clock: "24:00", wantErr: true},
		{clock: "10:60", wantErr: true},
		{clock: "-1:00", wantErr: true},
		{clock: "1030", wantErr: true},
		{clock: "aa:bb", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.clock, func(t *testing.T) {
			t.Parallel()

			hour, minute, err := parseClock(tc.clock)
			if tc.wantErr {
				if err == nil {
					t.Errorf("parseClock(%q) accepted invalid input", tc.clock)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseClock(%q) returned error: %v", tc.clock, err)
			}
			if hour != tc.hour || minute != tc.minute {
				t.Errorf("parseClock(%q) = %d:%d, want %d:%d", tc.clock, hour, minute, tc.hour, tc.minute)
			}
		})
	}
}
