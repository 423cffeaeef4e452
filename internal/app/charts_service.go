package app

import (
	"context"
	"errors"
	"time"

	"bottlesync/internal/domain"
)

// ChartsService encapsulates chart data retrieval use cases.
type ChartsService struct {
	drinks domain.DrinkRepository
	now    func() time.Time
}

// NewChartsService creates a ChartsService backed by the given repository.
func NewChartsService(drinks domain.DrinkRepository) *ChartsService {
	return &ChartsService{drinks: drinks, now: time.Now}
}

// DayPoint is a single data point returned by GetDaily.
type DayPoint struct {
	Day     string  `json:"day"`
	Volume  float64 `json:"volume"`
	Unit    string  `json:"unit"`
	GoalMet bool    `json:"goalMet"`
}

// GetDaily returns per-day intake for the last days days, converted to the
// requested unit. goalML marks the days that reached the goal.
func (s *ChartsService) GetDaily(ctx context.Context, days int, unit string, goalML int) ([]DayPoint, error) {
	if unit != "ml" && unit != "floz" {
		return nil, errors.New("unit must be \"ml\" or \"floz\"")
	}
	if days > 366 {
		days = 366
	}

	today := s.now()
	points := make([]DayPoint, 0, days)

	for i := days - 1; i >= 0; i-- {
		dayStr := today.AddDate(0, 0, -i).Format(domain.DayLayout)

		totalML, err := s.drinks.DrinkTotalForLocalDay(ctx, dayStr)
		if err != nil {
			return nil, err
		}

		points = append(points, DayPoint{
			Day:     dayStr,
			Volume:  domain.ConvertVolume(float64(totalML), "ml", unit),
			Unit:    unit,
			GoalMet: goalML > 0 && totalML >= goalML,
		})
	}
	return points, nil
}
