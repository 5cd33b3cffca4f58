package relay

import (
	"fmt"

	"github.com/patrickwarner/convertrelay/internal/config"
	"github.com/patrickwarner/convertrelay/internal/logic/filters"
	"github.com/patrickwarner/convertrelay/internal/models"
)

// Settings is the pipeline configuration, fixed at construction.
type Settings struct {
	// Debug adds the resolved record and outbound bodies to debug logs.
	Debug bool
	// EnablePropertyFiltering gates Criteria. With it off every event is
	// admitted whatever Criteria says.
	EnablePropertyFiltering bool
	Criteria                filters.Criteria
}

// SettingsFromConfig builds Settings from the environment configuration.
func SettingsFromConfig(cfg config.Config) (Settings, error) {
	criteria, err := filters.ParseCriteria(cfg.FilterCriteria)
	if err != nil {
		return Settings{}, fmt.Errorf("FILTER_CRITERIA: %w", err)
	}
	return Settings{
		Debug:                   cfg.Debug,
		EnablePropertyFiltering: cfg.EnablePropertyFiltering,
		Criteria:                criteria,
	}, nil
}

// DefaultGoals returns the configured goal ids, used for every project
// without an override.
func DefaultGoals(cfg config.Config) models.ProjectGoals {
	return models.ProjectGoals{
		GoalMode:        cfg.GoalMode,
		Purchase:        cfg.PurchaseGoalID,
		AddToCart:       cfg.AddToCartGoalID,
		CheckoutStarted: cfg.CheckoutStartedGoalID,
		Subscription:    cfg.SubscriptionGoalID,
		NonSubscription: cfg.NonSubscriptionGoalID,
		FirstSale:       cfg.FirstSaleGoalID,
		Upsell:          cfg.UpsellGoalID,
	}
}
