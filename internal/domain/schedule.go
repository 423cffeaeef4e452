package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock time without a date, encoded as "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// On returns the instant of tod on the calendar day of t, in t's location.
func (tod TimeOfDay) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), tod.Hour, tod.Minute, 0, 0, t.Location())
}

func (tod TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", tod.Hour, tod.Minute)
}

// MarshalText implements encoding.TextMarshaler.
func (tod TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(tod.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (tod *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*tod = v
	return nil
}

func (tod TimeOfDay) minutes() int { return tod.Hour*60 + tod.Minute }

// ScheduleConfig describes how the daily goal is spread across the waking
// window. It is supplied by the settings collaborator.
type ScheduleConfig struct {
	WindowStart TimeOfDay `json:"windowStart"`
	WindowEnd   TimeOfDay `json:"windowEnd"`
	GoalML      int       `json:"goalMl"`
	ServingML   int       `json:"servingMl"`
}

// Validate reports whether the schedule can drive the reminder clock.
func (c ScheduleConfig) Validate() error {
	if c.WindowEnd.minutes() <= c.WindowStart.minutes() {
		return errors.New("windowEnd must be after windowStart")
	}
	if c.GoalML <= 0 || c.GoalML > 20000 {
		return errors.New("goalMl must be within (0, 20000]")
	}
	if c.ServingML <= 0 || c.ServingML > c.GoalML {
		return errors.New("servingMl must be positive and no larger than goalMl")
	}
	return nil
}

// ScheduleRepository is the port for persisting the active schedule.
type ScheduleRepository interface {
	LoadSchedule(ctx context.Context) (*ScheduleConfig, error)
	SaveSchedule(ctx context.Context, cfg ScheduleConfig) error
}
