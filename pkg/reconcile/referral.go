package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/subflowhq/subflow/pkg/billing"
	"github.com/subflowhq/subflow/pkg/logger"
)

// One-time referral bonuses, in credits.
const (
	ReferredBonusCredits int64 = 5
	ReferrerBonusCredits int64 = 10
)

// SettleReferral grants the one-time referral bonuses after a referred user's
// paid plan activates. Runs in its own transaction per attempt. Guards:
// an already-completed use for the referred user is a no-op, as is
// self-referral. The ReferralUse row flips to completed exactly once.
func (e *Engine) SettleReferral(ctx context.Context, referredID uuid.UUID, planID billing.PlanID, useID, code string) error {
	return e.store.RunInTx(ctx, func(ctx context.Context, tx billing.Store) error {
		settled, err := tx.HasCompletedReferralUse(ctx, referredID)
		if err != nil {
			return err
		}
		if settled {
			return nil
		}

		use, err := e.lookupReferralUse(ctx, tx, referredID, useID, code)
		if err != nil {
			if errors.Is(err, billing.ErrReferralUseNotFound) {
				e.log.InfoContext(ctx, "no pending referral use to settle",
					logger.UserID(referredID))
				return nil
			}
			return err
		}
		if use.Status != billing.ReferralPending {
			return nil
		}
		if use.ReferrerID == use.ReferredID {
			e.log.InfoContext(ctx, "self-referral skipped", logger.UserID(referredID))
			return nil
		}

		if err := grantReferralBonus(ctx, tx, use.ReferredID, ReferredBonusCredits, "Referral bonus (referred)"); err != nil {
			return err
		}
		if err := grantReferralBonus(ctx, tx, use.ReferrerID, ReferrerBonusCredits, "Referral bonus (referrer)"); err != nil {
			return err
		}

		now := time.Now().UTC()
		use.Status = billing.ReferralCompleted
		use.CompletedAt = &now
		use.PlanID = planID
		if err := tx.SaveReferralUse(ctx, use); err != nil {
			return err
		}

		e.log.InfoContext(ctx, "referral settled",
			logger.UserID(use.ReferredID),
			slog.String("referrer_id", use.ReferrerID.String()),
			slog.String("referral_use_id", use.ID.String()))
		return nil
	})
}

func (e *Engine) lookupReferralUse(ctx context.Context, tx billing.Store, referredID uuid.UUID, useID, code string) (*billing.ReferralUse, error) {
	if useID != "" {
		id, err := uuid.Parse(useID)
		if err != nil {
			return nil, errors.Join(billing.ErrReferralUseNotFound, err)
		}
		return tx.GetReferralUse(ctx, id)
	}
	return tx.FindPendingReferralUse(ctx, referredID, code)
}

func grantReferralBonus(ctx context.Context, tx billing.Store, userID uuid.UUID, credits int64, description string) error {
	user, err := tx.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	user.Credits += credits
	if err := tx.SaveUser(ctx, user); err != nil {
		return err
	}
	return tx.CreateTransaction(ctx, &billing.TokenTransaction{
		UserID:      userID,
		Credits:     credits,
		Type:        billing.TxnReferral,
		Description: description,
	})
}
