package adapthttp

import (
	"net/http"
	"time"

	"bottlesync/internal/domain"
)

func (s *Server) handleHistoryToday(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h := s.coord.CurrentHistory()
	schedule := s.coord.Snapshot().Schedule
	writeJSON(w, http.StatusOK, map[string]any{
		"today":   h.Day,
		"history": h,
		"goalMl":  schedule.GoalML,
	})
}

func (s *Server) handleReminderNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	now := s.now()
	until, ok := s.coord.TimeUntilNextDrink(now)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	h := s.coord.CurrentHistory()
	schedule := s.coord.Snapshot().Schedule
	writeJSON(w, http.StatusOK, map[string]any{
		"active":            true,
		"secondsUntil":      int64(until / time.Second),
		"dueAt":             now.Add(until),
		"overdue":           until <= 0,
		"tier":              domain.PollTierFor(until),
		"servingsRemaining": domain.ServingsRemaining(schedule, h.TotalML),
	})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.coord.Snapshot().Schedule)
	case http.MethodPut:
		var cfg domain.ScheduleConfig
		if err := parseJSON(w, r, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := cfg.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.coord.Configure(r.Context(), cfg); err != nil {
			s.log.Error().Err(err).Msg("configure schedule")
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

// commandHandler serves a POST that hands fn to the coordinator and answers
// 202 since the work completes asynchronously.
func commandHandler(fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		fn()
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	commandHandler(s.coord.PollOnce)(w, r)
}

func (s *Server) handlePollingStart(w http.ResponseWriter, r *http.Request) {
	commandHandler(s.coord.StartPolling)(w, r)
}

func (s *Server) handlePollingStop(w http.ResponseWriter, r *http.Request) {
	commandHandler(s.coord.StopPolling)(w, r)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	commandHandler(s.coord.Disconnect)(w, r)
}

func (s *Server) handleDrinksRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	items, err := s.drinks.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleDrinksTotal returns the persisted intake for ?day= (default today).
func (s *Server) handleDrinksTotal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	day := r.URL.Query().Get("day")
	if day == "" {
		day = localDay(s.now())
	} else if _, err := time.Parse(domain.DayLayout, day); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	total, err := s.drinks.GetDayTotal(r.Context(), day)
	if err != nil {
		s.log.Error().Err(err).Str("day", day).Msg("day total")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": day, "totalMl": total})
}
