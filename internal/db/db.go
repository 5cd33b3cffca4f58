package db

import (
	"context"
	"fmt"

	"github.com/patrickwarner/convertrelay/internal/models"
)

// GoalSource loads per-project goal overrides.
type GoalSource interface {
	LoadProjectGoals(ctx context.Context) ([]models.ProjectGoals, error)
}

// LoadGoals loads overrides from src and swaps them into catalog in one step.
// It returns the number of projects with overrides.
func LoadGoals(ctx context.Context, src GoalSource, catalog models.GoalCatalog) (int, error) {
	if src == nil {
		return 0, fmt.Errorf("goal source unavailable")
	}
	goals, err := src.LoadProjectGoals(ctx)
	if err != nil {
		return 0, fmt.Errorf("load project goals: %w", err)
	}
	if err := catalog.ReloadAll(goals); err != nil {
		return 0, fmt.Errorf("reload goal catalog: %w", err)
	}
	return len(goals), nil
}
