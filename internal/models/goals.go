package models

import (
	"errors"
	"sync/atomic"
)

// ProjectGoals holds the goal ids reported for a project. Empty ids are not
// reported. Overrides loaded from Postgres are merged over the configured
// defaults, field by field.
type ProjectGoals struct {
	ProjectID       string `json:"pid,omitempty"`
	GoalMode        string `json:"goal_mode,omitempty"`
	Purchase        string `json:"purchase,omitempty"`
	AddToCart       string `json:"add_to_cart,omitempty"`
	CheckoutStarted string `json:"checkout_started,omitempty"`
	Subscription    string `json:"subscription,omitempty"`
	NonSubscription string `json:"non_subscription,omitempty"`
	FirstSale       string `json:"first_sale,omitempty"`
	Upsell          string `json:"upsell,omitempty"`
}

// Merge returns g with every non-empty field of o applied on top.
func (g ProjectGoals) Merge(o ProjectGoals) ProjectGoals {
	pick := func(base, over string) string {
		if over != "" {
			return over
		}
		return base
	}
	return ProjectGoals{
		ProjectID:       pick(g.ProjectID, o.ProjectID),
		GoalMode:        pick(g.GoalMode, o.GoalMode),
		Purchase:        pick(g.Purchase, o.Purchase),
		AddToCart:       pick(g.AddToCart, o.AddToCart),
		CheckoutStarted: pick(g.CheckoutStarted, o.CheckoutStarted),
		Subscription:    pick(g.Subscription, o.Subscription),
		NonSubscription: pick(g.NonSubscription, o.NonSubscription),
		FirstSale:       pick(g.FirstSale, o.FirstSale),
		Upsell:          pick(g.Upsell, o.Upsell),
	}
}

// ErrEmptyProjectID is returned when an override row has no project id.
var ErrEmptyProjectID = errors.New("project goals without pid")

// GoalCatalog provides thread-safe access to per-project goal ids.
type GoalCatalog interface {
	// Resolve returns the defaults merged with any override for pid.
	Resolve(pid string) ProjectGoals
	// ReloadAll atomically replaces every override.
	ReloadAll(overrides []ProjectGoals) error
	Len() int
}

// InMemoryGoalCatalog implements GoalCatalog with atomic snapshot swaps so
// readers on the event path never take a lock.
type InMemoryGoalCatalog struct {
	defaults ProjectGoals
	snapshot atomic.Pointer[map[string]ProjectGoals]
}

// NewInMemoryGoalCatalog returns a catalog that resolves to defaults until
// overrides are loaded.
func NewInMemoryGoalCatalog(defaults ProjectGoals) *InMemoryGoalCatalog {
	c := &InMemoryGoalCatalog{defaults: defaults}
	empty := map[string]ProjectGoals{}
	c.snapshot.Store(&empty)
	return c
}

func (c *InMemoryGoalCatalog) Resolve(pid string) ProjectGoals {
	goals := c.defaults
	if snap := c.snapshot.Load(); snap != nil {
		if o, ok := (*snap)[pid]; ok {
			goals = goals.Merge(o)
		}
	}
	goals.ProjectID = pid
	return goals
}

func (c *InMemoryGoalCatalog) ReloadAll(overrides []ProjectGoals) error {
	next := make(map[string]ProjectGoals, len(overrides))
	for _, o := range overrides {
		if o.ProjectID == "" {
			return ErrEmptyProjectID
		}
		next[o.ProjectID] = o
	}
	c.snapshot.Store(&next)
	return nil
}

func (c *InMemoryGoalCatalog) Len() int {
	if snap := c.snapshot.Load(); snap != nil {
		return len(*snap)
	}
	return 0
}
