package app

import (
	"context"
	"errors"

	"bottlesync/internal/domain"
)

// DrinkService exposes stored drink history to collaborators.
type DrinkService struct {
	repo domain.DrinkRepository
}

// NewDrinkService creates a DrinkService backed by the given repository.
func NewDrinkService(repo domain.DrinkRepository) *DrinkService {
	return &DrinkService{repo: repo}
}

// GetDayTotal returns the stored intake in ml for the given local day.
func (s *DrinkService) GetDayTotal(ctx context.Context, localDay string) (int, error) {
	return s.repo.DrinkTotalForLocalDay(ctx, localDay)
}

// ListRecent returns the most recently merged drinks up to limit.
func (s *DrinkService) ListRecent(ctx context.Context, limit int) ([]domain.StoredDrink, error) {
	if limit <= 0 || limit > 500 {
		return nil, errors.New("limit must be within [1, 500]")
	}
	return s.repo.ListRecentDrinks(ctx, limit)
}
