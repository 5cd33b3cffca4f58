package filters

import (
	"context"
	"fmt"

	"github.com/patrickwarner/convertrelay/internal/config"
	"github.com/patrickwarner/convertrelay/internal/db"
	"github.com/patrickwarner/convertrelay/internal/models"
)

// Selection is the goal ids a checkout_completed event reports.
type Selection struct {
	GoalHit     []string
	Transaction []string
	// Upsell is set by FirstSaleSplit when the visitor already converted.
	Upsell bool
}

// GoalSelector chooses the goal ids for a completed checkout.
type GoalSelector interface {
	Select(ctx context.Context, ev models.CommerceEvent, goals models.ProjectGoals) (Selection, error)
}

// SingleGoal reports the purchase goal on both the goal hit and the
// transaction.
type SingleGoal struct{}

func (SingleGoal) Select(_ context.Context, _ models.CommerceEvent, goals models.ProjectGoals) (Selection, error) {
	ids := nonEmpty(goals.Purchase)
	return Selection{GoalHit: ids, Transaction: ids}, nil
}

// SubscriptionSplit reports the purchase goal plus exactly one of the
// subscription and non-subscription goals.
type SubscriptionSplit struct{}

func (SubscriptionSplit) Select(_ context.Context, ev models.CommerceEvent, goals models.ProjectGoals) (Selection, error) {
	split := goals.NonSubscription
	if IsSubscription(ev.Checkout()) {
		split = goals.Subscription
	}
	ids := nonEmpty(goals.Purchase, split)
	return Selection{GoalHit: ids, Transaction: ids}, nil
}

// FirstSaleSplit reports the first-sale goal for a visitor's first completed
// checkout and the upsell goal for every later one. The first-sale flag is
// claimed atomically so two concurrent checkouts cannot both count as the
// first sale.
type FirstSaleSplit struct {
	Store db.KeyValueStore
}

func (f FirstSaleSplit) Select(ctx context.Context, ev models.CommerceEvent, goals models.ProjectGoals) (Selection, error) {
	if f.Store == nil {
		return Selection{}, db.ErrNilStore
	}
	first, err := f.Store.SetIfAbsent(ctx, db.ClientKey(ev.ClientID, db.KeyFirstSaleReported), "true", 0)
	if err != nil {
		return Selection{}, fmt.Errorf("claim first sale: %w", err)
	}
	if first {
		if err := f.Store.Set(ctx, db.ClientKey(ev.ClientID, db.KeyUpsellTotal), "0", 0); err != nil {
			return Selection{}, fmt.Errorf("reset upsell total: %w", err)
		}
		ids := nonEmpty(goals.FirstSale)
		return Selection{GoalHit: ids, Transaction: ids}, nil
	}
	ids := nonEmpty(goals.Upsell)
	return Selection{GoalHit: ids, Transaction: ids, Upsell: true}, nil
}

// SelectorFor returns the selector for a goal mode. Unknown modes fall back
// to SingleGoal.
func SelectorFor(mode string, store db.KeyValueStore) GoalSelector {
	switch mode {
	case config.GoalModeSubscription:
		return SubscriptionSplit{}
	case config.GoalModeFirstSale:
		return FirstSaleSplit{Store: store}
	default:
		return SingleGoal{}
	}
}

func nonEmpty(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
