package domain

import "time"

// MaxReminderInterval caps the gap between two reminders.
const MaxReminderInterval = 45 * time.Minute

// PollTier is an urgency bucket derived from the time until the next
// reminder. Lower values are more urgent.
type PollTier int

// Poll tiers, most urgent first.
const (
	TierUrgent PollTier = iota
	TierNear
	TierApproaching
	TierRelaxed
)

func (t PollTier) String() string {
	switch t {
	case TierUrgent:
		return "urgent"
	case TierNear:
		return "near"
	case TierApproaching:
		return "approaching"
	default:
		return "relaxed"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t PollTier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// PollTierFor classifies the time until the next reminder.
func PollTierFor(until time.Duration) PollTier {
	switch {
	case until <= 0:
		return TierUrgent
	case until < 5*time.Minute:
		return TierNear
	case until <= 10*time.Minute:
		return TierApproaching
	default:
		return TierRelaxed
	}
}

// ServingsRemaining is the number of servings still needed to reach the
// goal, rounded up and never less than one.
func ServingsRemaining(cfg ScheduleConfig, consumedML int) int {
	if cfg.ServingML <= 0 {
		return 1
	}
	left := cfg.GoalML - consumedML
	if left <= 0 {
		return 1
	}
	n := (left + cfg.ServingML - 1) / cfg.ServingML
	return max(1, n)
}

// TimeUntilNext returns how long until the next reminder should fire. The
// result is negative when the reminder is overdue. ok is false before the
// window opens or when no time remains in the effective window.
func TimeUntilNext(cfg ScheduleConfig, h DailyHistory, now time.Time) (time.Duration, bool) {
	start := cfg.WindowStart.On(now)
	if now.Before(start) {
		return 0, false
	}

	end := cfg.WindowEnd.On(now)
	if now.After(end) {
		// Past the target window: keep tracking until midnight.
		end = time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	}
	remaining := end.Sub(now)
	if remaining <= 0 {
		return 0, false
	}

	servings := ServingsRemaining(cfg, h.TotalML)
	interval := min(remaining/time.Duration(servings), MaxReminderInterval)

	ref := start
	if h.LastDrinkAt != nil {
		ref = *h.LastDrinkAt
	}
	return interval - now.Sub(ref), true
}
