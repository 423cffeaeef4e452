package domain

import "time"

// DailyHistory is the set of drinks recorded for one local calendar day.
type DailyHistory struct {
	Day         string        `json:"day"`
	Records     []DrinkRecord `json:"records"`
	TotalML     int           `json:"totalMl"`
	LastDrinkAt *time.Time    `json:"lastDrinkAt,omitempty"`
}

// NewDailyHistory returns an empty history for the day containing t.
func NewDailyHistory(t time.Time) DailyHistory {
	return DailyHistory{Day: t.Format(DayLayout), Records: []DrinkRecord{}}
}

// Clone returns a copy that shares no memory with h.
func (h DailyHistory) Clone() DailyHistory {
	out := h
	out.Records = append([]DrinkRecord{}, h.Records...)
	if h.LastDrinkAt != nil {
		t := *h.LastDrinkAt
		out.LastDrinkAt = &t
	}
	return out
}

// MergeHistory folds records into h for the day containing today and returns
// the new history together with the records that were actually added.
//
// Records that do not fall on today are dropped, as are records already
// present by identity or by reading. Existing entries from an earlier day are
// discarded, so a merge after midnight starts the new day empty. The total
// and last drink time are always recomputed from the resulting set.
func MergeHistory(h DailyHistory, records []DrinkRecord, today time.Time) (DailyHistory, []DrinkRecord) {
	year, loc := today.Year(), today.Location()
	day := today.Format(DayLayout)

	onDay := func(r DrinkRecord) (time.Time, bool) {
		ts, ok := r.Timestamp(year, loc)
		if !ok || ts.Format(DayLayout) != day {
			return time.Time{}, false
		}
		return ts, true
	}

	out := DailyHistory{Day: day, Records: make([]DrinkRecord, 0, len(h.Records)+len(records))}
	if h.Day == day {
		for _, r := range h.Records {
			if _, ok := onDay(r); ok {
				out.Records = append(out.Records, r)
			}
		}
	}

	var added []DrinkRecord
	for _, r := range records {
		if _, ok := onDay(r); !ok {
			continue
		}
		if containsRecord(out.Records, r) {
			continue
		}
		out.Records = append(out.Records, r)
		added = append(added, r)
	}

	for _, r := range out.Records {
		out.TotalML += int(r.VolumeML)
		ts, _ := onDay(r)
		if out.LastDrinkAt == nil || ts.After(*out.LastDrinkAt) {
			last := ts
			out.LastDrinkAt = &last
		}
	}
	return out, added
}

func containsRecord(set []DrinkRecord, r DrinkRecord) bool {
	for _, e := range set {
		if (e.ID != "" && e.ID == r.ID) || e.SameReading(r) {
			return true
		}
	}
	return false
}
