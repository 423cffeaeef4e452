package domain

import (
	"context"
	"time"
)

// DayLayout is the layout used for local calendar day keys.
const DayLayout = "2006-01-02"

// DrinkRecord is a single drink event reported by the bottle. Records are
// created by the protocol decoder and never mutated afterwards.
type DrinkRecord struct {
	ID       string  `json:"id"`
	Month    uint8   `json:"month"`
	Day      uint8   `json:"day"`
	Hour     uint8   `json:"hour"`
	Minute   uint8   `json:"minute"`
	Second   uint8   `json:"second"`
	VolumeML uint8   `json:"volumeMl"`
	Trailer  [5]byte `json:"trailer"`
}

// Timestamp combines the record's wall-clock fields with year in loc. The
// wire format carries no year, so callers pass the current calendar year.
// ok is false when the fields do not form a valid calendar instant.
func (r DrinkRecord) Timestamp(year int, loc *time.Location) (time.Time, bool) {
	if r.Month < 1 || r.Month > 12 || r.Day < 1 || r.Hour > 23 || r.Minute > 59 || r.Second > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(r.Month), int(r.Day), int(r.Hour), int(r.Minute), int(r.Second), 0, loc)
	// time.Date normalises overflowing days (Feb 30 -> Mar 2).
	if t.Month() != time.Month(r.Month) || t.Day() != int(r.Day) {
		return time.Time{}, false
	}
	return t, true
}

// SameReading reports whether two records carry the same reading, ignoring
// their identity tokens.
func (r DrinkRecord) SameReading(o DrinkRecord) bool {
	return r.Month == o.Month && r.Day == o.Day && r.Hour == o.Hour &&
		r.Minute == o.Minute && r.Second == o.Second && r.VolumeML == o.VolumeML
}

// StoredDrink is a merged record as persisted by a DrinkRepository.
type StoredDrink struct {
	Record     DrinkRecord `json:"record"`
	LocalDay   string      `json:"localDay"`
	DrankAt    time.Time   `json:"drankAt"`
	ReceivedAt time.Time   `json:"receivedAt"`
}

// DrinkRepository is the port for merged drink persistence.
type DrinkRepository interface {
	SaveDrinks(ctx context.Context, drinks []StoredDrink) error
	DrinksForLocalDay(ctx context.Context, localDay string) ([]DrinkRecord, error)
	DrinkTotalForLocalDay(ctx context.Context, localDay string) (int, error)
	ListRecentDrinks(ctx context.Context, limit int) ([]StoredDrink, error)
}
