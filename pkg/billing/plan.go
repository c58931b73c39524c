package billing

import (
	"cmp"
	"slices"
	"time"
)

// Plan describes a subscription tier, its price, and its token allotment.
// ProviderPriceID must match the payment provider's price identifier so
// checkout and webhook processing can map both ways.
type Plan struct {
	ID              PlanID
	Name            string
	Description     string
	Tokens          int64 // full token grant on activation, not a top-up delta
	Price           Money
	Interval        BillingInterval
	TrialDays       int
	ProviderPriceID string
	Public          bool // available for self-service signup
}

// FreeSignupCredits is the one-time grant applied on first free-plan activation.
const FreeSignupCredits int64 = 5

// TrialEndsAt calculates when the trial period ends.
// Returns startedAt unchanged if the plan has no trial.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}

// IsPaid reports whether the plan bills through the payment provider.
func (p Plan) IsPaid() bool {
	return p.Interval != BillingIntervalNone
}

// Catalog is the closed set of plans the product sells, keyed by plan ID.
type Catalog map[PlanID]Plan

// Plan returns the plan for the given ID.
func (c Catalog) Plan(id PlanID) (Plan, bool) {
	p, ok := c[id]
	return p, ok
}

// Public returns the plans shown on the pricing page.
func (c Catalog) Public() []Plan {
	plans := make([]Plan, 0, len(c))
	for _, p := range c {
		if p.Public {
			plans = append(plans, p)
		}
	}
	slices.SortFunc(plans, func(a, b Plan) int {
		return cmp.Compare(a.Price.Amount, b.Price.Amount)
	})
	return plans
}

// ByProviderPriceID resolves a provider price identifier back to a plan.
func (c Catalog) ByProviderPriceID(priceID string) (Plan, bool) {
	for _, p := range c {
		if p.ProviderPriceID != "" && p.ProviderPriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}

// DefaultCatalog returns the built-in plan table.
func DefaultCatalog() Catalog {
	return Catalog{
		PlanFree: {
			ID:       PlanFree,
			Name:     "Free",
			Tokens:   0,
			Interval: BillingIntervalNone,
			Public:   true,
		},
		PlanStarter: {
			ID:              PlanStarter,
			Name:            "Starter",
			Tokens:          100,
			Price:           Money{Amount: 900, Currency: "USD"},
			Interval:        BillingIntervalMonthly,
			ProviderPriceID: "price_starter_monthly",
			Public:          true,
		},
		PlanPremium: {
			ID:              PlanPremium,
			Name:            "Premium",
			Tokens:          250,
			Price:           Money{Amount: 2900, Currency: "USD"},
			Interval:        BillingIntervalMonthly,
			TrialDays:       7,
			ProviderPriceID: "price_premium_monthly",
			Public:          true,
		},
		PlanBusiness: {
			ID:              PlanBusiness,
			Name:            "Business",
			Tokens:          1000,
			Price:           Money{Amount: 9900, Currency: "USD"},
			Interval:        BillingIntervalMonthly,
			ProviderPriceID: "price_business_monthly",
			Public:          true,
		},
	}
}
