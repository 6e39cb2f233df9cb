package notifier

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/firestorm-team/funnelbot/internal/funnel"
)

// WarmupPrefix marks the labels of the re-engagement drip series.
const WarmupPrefix = "warmup_"

// absoluteLayout is the schedule format funnel authors write absolute
// timestamps in, interpreted in the configured reference timezone.
const absoluteLayout = "02.01.2006 15:04"

// warmupStep is one message of the warmup drip: a route label delivered a
// fixed number of days after enqueue, at a fixed local clock time.
type warmupStep struct {
	Label string
	Days  int
	Clock string
}

// warmupPlan is the drip series injected for eligible users. Days count from
// the enqueue moment; clock times aim at the user's likely active hours.
var warmupPlan = []warmupStep{
	{Label: "warmup_why_poker", Days: 1, Clock: "10:00"},
	{Label: "warmup_success_stories", Days: 2, Clock: "14:00"},
	{Label: "warmup_free_course", Days: 3, Clock: "10:00"},
	{Label: "warmup_last_chance", Days: 5, Clock: "19:00"},
	{Label: "warmup_special_offer", Days: 7, Clock: "14:00"},
}

// schedule computes delivery timestamps in the reference timezone.
type schedule struct {
	loc *time.Location
}

func newSchedule(timezone string) (*schedule, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	return &schedule{loc: loc}, nil
}

// SendTime resolves a wait spec to a unix timestamp. The three modes are
// mutually exclusive and checked in precedence order: relative seconds,
// absolute timestamp, daily clock time plus a day offset (default: tomorrow
// at midnight).
func (s *schedule) SendTime(wait funnel.WaitSpec, now time.Time) (int64, error) {
	if wait.WaitSeconds > 0 {
		return now.Unix() + wait.WaitSeconds, nil
	}
	if wait.TargetDatetime != "" {
		target, err := time.ParseInLocation(absoluteLayout, wait.TargetDatetime, s.loc)
		if err != nil {
			return 0, fmt.Errorf("failed to parse target datetime %q: %w", wait.TargetDatetime, err)
		}
		return target.Unix(), nil
	}

	clock := wait.Time
	if clock == "" {
		clock = "00:00"
	}
	hour, minute, err := parseClock(clock)
	if err != nil {
		return 0, err
	}
	deltaDays := wait.DeltaDays
	if deltaDays <= 0 {
		deltaDays = 1
	}

	day := now.In(s.loc).AddDate(0, 0, deltaDays)
	target := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, s.loc)
	return target.Unix(), nil
}

// WarmupTime resolves one drip step relative to the enqueue moment.
func (s *schedule) WarmupTime(step warmupStep, now time.Time) (int64, error) {
	hour, minute, err := parseClock(step.Clock)
	if err != nil {
		return 0, err
	}
	day := now.In(s.loc).AddDate(0, 0, step.Days)
	target := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, s.loc)
	return target.Unix(), nil
}

func parseClock(clock string) (hour, minute int, err error) {
	parts := strings.SplitN(clock, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q", clock)
	}
	hour, err = strconv.Atoi(parts[0])
	if err == nil {
		minute, err = strconv.Atoi(parts[1])
	}
	if err != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid clock time %q", clock)
	}
	return hour, minute, nil
}
