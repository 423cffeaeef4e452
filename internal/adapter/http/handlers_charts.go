package adapthttp

import (
	"net/http"
)

func (s *Server) handleChartsDaily(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	days, err := queryInt(r, "days", 30)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	unit := r.URL.Query().Get("unit")
	if unit == "" {
		unit = "ml"
	}
	goal := s.coord.Snapshot().Schedule.GoalML

	points, err := s.charts.GetDaily(r.Context(), days, unit, goal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"days":   days,
		"unit":   unit,
		"goalMl": goal,
		"today":  localDay(s.now()),
		"items":  points,
	})
}
