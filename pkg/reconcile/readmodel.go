package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/subflowhq/subflow/pkg/billing"
)

// SubscriptionData is the read projection consumed by the UI and API layer.
// Derived entirely from the current user and subscription rows; no side
// effects.
type SubscriptionData struct {
	UserID       string
	UserType     billing.PlanID
	Credits      int64
	CreditsUsed  int64
	Subscription *billing.Subscription // nil when the user has none
	IsActive     bool                  // subscription active and period not elapsed
	IsSubscribed bool                  // IsActive on a paid tier
}

// GetUserSubscriptionData returns the subscription read model for a user.
func (e *Engine) GetUserSubscriptionData(ctx context.Context, userID string) (*SubscriptionData, error) {
	id, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}

	user, err := e.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	sub, err := e.store.GetSubscription(ctx, id)
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, err
	}

	data := &SubscriptionData{
		UserID:       user.ID.String(),
		UserType:     user.UserType,
		Credits:      user.Credits,
		CreditsUsed:  user.CreditsUsed,
		Subscription: sub,
	}
	if sub != nil {
		now := time.Now().UTC()
		data.IsActive = sub.IsActive() && !sub.IsExpiredAt(now)
		data.IsSubscribed = data.IsActive && sub.PlanID != billing.PlanFree
	}
	return data, nil
}
